package domain

// ChannelType selects which queue and worker pool serve a tenant's outbound messages
type ChannelType string

const (
	// ChannelTypeSession is a browser-automation backed channel; every attempt consumes a live session
	ChannelTypeSession ChannelType = "session"
	// ChannelTypeDirectAPI is a business-API backed channel
	ChannelTypeDirectAPI ChannelType = "directApi"

	// DefaultChannelType is applied when a config row carries no channel type
	DefaultChannelType = ChannelTypeSession
)

// OrDefault returns the channel type, or DefaultChannelType when unset
func (t ChannelType) OrDefault() ChannelType {
	if t == "" {
		return DefaultChannelType
	}
	return t
}

func (t ChannelType) String() string {
	return string(t)
}

// ChannelConfig maps (tenant, channel index) to a channel type and the process owning the connection
type ChannelConfig struct {
	TenantID         int64       `db:"tenant_id" json:"tenant_id"`
	ChannelIndex     int         `db:"channel_index" json:"channel_index"`
	ChannelType      ChannelType `db:"channel_type" json:"channel_type"`
	OwnerProcessName string      `db:"owner_process_name" json:"owner_process_name"`
}
