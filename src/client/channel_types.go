package client

type Snowflake string

type Overwrite struct {
	ID    Snowflake `json:"id"`
	Type  int       `json:"type"`
	Allow string    `json:"allow"`
	Deny  string    `json:"deny"`
}

type ThreadMetadata struct {
	Archived            bool    `json:"archived"`
	AutoArchiveDuration int     `json:"auto_archive_duration"`
	ArchiveTimestamp    string  `json:"archive_timestamp"`
	Locked              bool    `json:"locked"`
	Invitable           *bool   `json:"invitable,omitempty"`
	CreateTimestamp     *string `json:"create_timestamp,omitempty"`
}

type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
	GlobalName    *string   `json:"global_name,omitempty"`
	Avatar        *string   `json:"avatar"`
	Bot           *bool     `json:"bot,omitempty"`
	System        *bool     `json:"system,omitempty"`
	Flags         *int      `json:"flags,omitempty"`
}

type Channel struct {
	ID                   Snowflake       `json:"id"`
	Type                 int             `json:"type"`
	GuildID              *Snowflake      `json:"guild_id,omitempty"`
	Position             *int            `json:"position,omitempty"`
	PermissionOverwrites []Overwrite     `json:"permission_overwrites,omitempty"`
	Name                 *string         `json:"name,omitempty"`
	Topic                *string         `json:"topic,omitempty"`
	NSFW                 *bool           `json:"nsfw,omitempty"`
	LastMessageID        *Snowflake      `json:"last_message_id,omitempty"`
	RateLimitPerUser     *int            `json:"rate_limit_per_user,omitempty"`
	Recipients           []User          `json:"recipients,omitempty"`
	ParentID             *Snowflake      `json:"parent_id,omitempty"`
	LastPinTimestamp     *string         `json:"last_pin_timestamp,omitempty"` // ISO8601
	ThreadMetadata       *ThreadMetadata `json:"thread_metadata,omitempty"`
	Flags                *int            `json:"flags,omitempty"`
}

// Message carries the MESSAGE_CREATE fields the gateway tooling reads.
type Message struct {
	ID        Snowflake  `json:"id"`
	ChannelID Snowflake  `json:"channel_id"`
	GuildID   *Snowflake `json:"guild_id,omitempty"`
	Author    User       `json:"author"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}
