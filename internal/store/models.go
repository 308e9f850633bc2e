package store

// Column names follow the camelCase schema of the existing bot database so an
// old callwatch.db file keeps working.

// NotificationLink routes call notices for a voice channel to a text
// destination and a role to ping.
type NotificationLink struct {
	VoiceChannelID string `gorm:"column:voiceChannelId;primaryKey"`
	GuildID        string `gorm:"column:guildId;not null"`
	DestinationID  string `gorm:"column:notifChannelId;not null"`
	RoleID         string `gorm:"column:roleId;not null"`
}

func (NotificationLink) TableName() string { return "notification_channel_links" }

// ScribeLink routes transcripts for a voice channel to a text destination.
type ScribeLink struct {
	VoiceChannelID string `gorm:"column:voiceChannelId;primaryKey"`
	GuildID        string `gorm:"column:guildId;not null"`
	DestinationID  string `gorm:"column:scribeChannelId;not null"`
}

func (ScribeLink) TableName() string { return "scribe_channel_links" }

// Consent records that a member agreed to be transcribed in one voice
// channel. A member holds at most one consent row at a time.
type Consent struct {
	UserID         string `gorm:"column:userId;primaryKey"`
	VoiceChannelID string `gorm:"column:voiceChannelId;not null;index"`
	GuildID        string `gorm:"column:guildId;not null"`
}

func (Consent) TableName() string { return "scribeConsent" }
