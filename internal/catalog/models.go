package catalog

import "time"

const DefaultTagColor = "#6366f1"

type Folder struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	ImageCount int       `json:"image_count"`
}

type Image struct {
	ID         int64      `json:"id"`
	FolderID   int64      `json:"folder_id"`
	FolderPath string     `json:"folder_path,omitempty"`
	Path       string     `json:"path"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Checksum   string     `json:"checksum,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	TakenAt    *time.Time `json:"taken_at,omitempty"`
	DateAdded  time.Time  `json:"date_added"`
	Tags       []Tag      `json:"tags"`
}

type Tag struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Color      string    `json:"color"`
	ParentID   *int64    `json:"parent_id"`
	CreatedAt  time.Time `json:"created_at"`
	ImageCount int       `json:"image_count"`
}

type TagNode struct {
	Tag
	Children []*TagNode `json:"children"`
}

type TagInput struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	ParentID *int64 `json:"parent_id"`
}

// TagPatch changes only the fields that are set. SetParent distinguishes
// "move to root" (SetParent with nil ParentID) from "leave parent alone".
type TagPatch struct {
	Name      *string
	Color     *string
	SetParent bool
	ParentID  *int64
}

// ChildPolicy decides what happens to the children of a deleted tag.
type ChildPolicy string

const (
	ChildrenReparent ChildPolicy = "reparent"
	ChildrenCascade  ChildPolicy = "cascade"
)

type SortField string

const (
	SortDate  SortField = "date"
	SortName  SortField = "name"
	SortSize  SortField = "size"
	SortTaken SortField = "taken"
)

type ImageQuery struct {
	FolderID int64
	// TagIDs are ANDed: an image must carry every listed tag.
	TagIDs   []int64
	Untagged bool
	Search   string
	Sort     SortField
	Desc     bool
	Limit    int
	Offset   int
}

type Stats struct {
	Folders  int `json:"folders"`
	Images   int `json:"images"`
	Tags     int `json:"tags"`
	Untagged int `json:"untagged"`
}
