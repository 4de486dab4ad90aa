package reddit

import "context"

// Listing is the provider-native paginated payload wrapping posts or
// comments. External JSON is parsed into these at the boundary; untyped maps
// never travel inward.
type Listing struct {
	Kind string      `json:"kind"`
	Data ListingData `json:"data"`
}

// ListingData carries one page of children plus the pagination cursor.
type ListingData struct {
	After    string  `json:"after"`
	Children []Thing `json:"children"`
}

// Thing is one kind-tagged element of a listing. Posts are kind "t3",
// comments "t1".
type Thing struct {
	Kind string    `json:"kind"`
	Data ThingData `json:"data"`
}

// ThingData holds the post/comment fields the pipeline consumes.
type ThingData struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Subreddit           string  `json:"subreddit"`
	Author              string  `json:"author"`
	Title               string  `json:"title"`
	SelfText            string  `json:"selftext"`
	Body                string  `json:"body"`
	Permalink           string  `json:"permalink"`
	URLOverriddenByDest string  `json:"url_overridden_by_dest"`
	CreatedUTC          float64 `json:"created_utc"`
	Score               int     `json:"score"`
	NumComments         int     `json:"num_comments"`
}

// About is the community metadata payload.
type About struct {
	Kind string    `json:"kind"`
	Data AboutData `json:"data"`
}

// AboutData carries the community fields used for scoring.
type AboutData struct {
	Subscribers       int    `json:"subscribers"`
	ActiveUserCount   int    `json:"active_user_count"`
	PublicDescription string `json:"public_description"`
}

// SearchQuery parameterizes keyword search, globally or per community.
type SearchQuery struct {
	Query      string
	Sort       string
	TimeFilter string
	Limit      int
	After      string
}

// ListOptions parameterizes a per-community post listing.
type ListOptions struct {
	Sort       string
	TimeFilter string
	Limit      int
	After      string
}

// CommentOptions parameterizes a threaded comment fetch.
type CommentOptions struct {
	Limit int
	Depth int
	Sort  string
}

// API is the surface shared by the HTTP, browser, and hybrid clients.
type API interface {
	SearchPosts(ctx context.Context, q SearchQuery) (Listing, error)
	CommunityAbout(ctx context.Context, community string) (About, error)
	CommunitySearchPosts(ctx context.Context, community string, q SearchQuery) (Listing, error)
	CommunityPosts(ctx context.Context, community string, opts ListOptions) (Listing, error)
	Comments(ctx context.Context, postID string, opts CommentOptions) ([]Listing, error)
	Close()
}
