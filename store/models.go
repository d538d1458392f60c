package store

import "time"

// Post is a firehose post accepted by at least one algorithm. indexed_at is
// set by the database on insert and is the authoritative ordering key,
// tie-broken by cid.
type Post struct {
	IndexedAt time.Time `gorm:"column:indexed_at;type:timestamptz;default:now();index:idx_posts_feed_order,priority:1,sort:desc"`
	AuthorDid string    `gorm:"column:author_did;index"`
	Cid       string    `gorm:"index:idx_posts_feed_order,priority:2,sort:desc"`
	Uri       string    `gorm:"primaryKey"`
}

// Profile is one row per author ever seen, created lazily on their first
// accepted post. has_been_processed flips to true exactly when the
// classifier stores a country; until then the country stays null.
type Profile struct {
	FirstSeenAt           time.Time `gorm:"column:first_seen_at;type:timestamptz;default:now()"`
	Did                   string    `gorm:"primaryKey"`
	HasBeenProcessed      bool      `gorm:"default:false;index"`
	LikelyCountryOfLiving *string
}

// SubscriptionState tracks the last durably-processed firehose sequence
// number per (service, host) pair.
type SubscriptionState struct {
	Service string `gorm:"primaryKey"`
	Host    string `gorm:"primaryKey"`
	Cursor  int64
}

// PostCursor is the keyset position used by the feed read path: everything
// strictly "after" it in (indexed_at desc, cid desc) order.
type PostCursor struct {
	IndexedAt time.Time
	Cid       string
}
