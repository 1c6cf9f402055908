package caproto

// Protocol revision implemented by this client.
const (
	MajorRevision uint16 = 4
	MinorRevision uint16 = 13

	// UnknownMinorVersion marks a peer whose minor revision has not been learned yet.
	UnknownMinorVersion uint16 = 0
)

// Port defaults.
const (
	PortBase             = 5056
	DefaultServerPort    = PortBase + 2*int(MajorRevision)
	DefaultRepeaterPort  = DefaultServerPort + 1
	DefaultMaxArrayBytes = 16384
)

// Limits enforced on channel creation and string payloads.
const (
	MaxPriority     = 99
	DefaultPriority = 0
	MaxNameLength   = 500
	MaxStringSize   = 40
)

// SupportsHostName reports whether a server accepts HOST_NAME and CLIENT_NAME.
func SupportsHostName(minor uint16) bool { return minor >= 1 }

// SupportsEcho reports whether a server answers ECHO; older servers are probed with READ_SYNC.
func SupportsEcho(minor uint16) bool { return minor >= 3 }

// SupportsExtendedHeader reports whether a server understands the large payload header form.
func SupportsExtendedHeader(minor uint16) bool { return minor >= 9 }

// SupportsSequencedBeacons reports whether beacons from a server carry a sequence number.
func SupportsSequencedBeacons(minor uint16) bool { return minor >= 10 }

// SupportsPriority reports whether a server honors circuit priorities.
func SupportsPriority(minor uint16) bool { return minor >= 11 }
