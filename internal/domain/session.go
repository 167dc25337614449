package domain

type (
	MeetingNumber string
	ConnectionID  string
)

// UserSession is one connected participant of a meeting. The key is the
// connection id, not the user id: the same user may hold several connections.
type UserSession struct {
	ConnectionID    ConnectionID
	UserID          UserID
	DisplayName     string
	IsSharingCamera bool
	IsSharingScreen bool

	// SendEndpoint is this participant's outbound media termination,
	// created lazily on first negotiation. At most one at a time.
	SendEndpoint *Endpoint

	// ReceivedEndpoints holds, per peer connection id, the local endpoint
	// consuming that peer's outbound stream.
	ReceivedEndpoints map[ConnectionID]*Endpoint
}

func NewUserSession(connectionID ConnectionID, user *User, displayName string) *UserSession {
	if displayName == "" {
		displayName = user.DisplayName
	}
	return &UserSession{
		ConnectionID:      connectionID,
		UserID:            user.ID,
		DisplayName:       displayName,
		ReceivedEndpoints: make(map[ConnectionID]*Endpoint),
	}
}

// Participant is the read-only view fanned out to clients.
// No endpoint handles ever cross the wire.
type Participant struct {
	ConnectionID    ConnectionID `json:"connectionId"`
	UserID          UserID       `json:"userId"`
	DisplayName     string       `json:"displayName"`
	IsSharingCamera bool         `json:"isSharingCamera"`
	IsSharingScreen bool         `json:"isSharingScreen"`
}

func (s *UserSession) Snapshot() Participant {
	return Participant{
		ConnectionID:    s.ConnectionID,
		UserID:          s.UserID,
		DisplayName:     s.DisplayName,
		IsSharingCamera: s.IsSharingCamera,
		IsSharingScreen: s.IsSharingScreen,
	}
}

// MeetingSession is the shared state of one active meeting: its gateway
// pipeline and everyone currently connected. All mutation happens inside
// the registry's per-meeting scope.
type MeetingSession struct {
	MeetingNumber MeetingNumber
	Pipeline      PipelineID
	Participants  map[ConnectionID]*UserSession
}

func NewMeetingSession(number MeetingNumber, pipeline PipelineID) *MeetingSession {
	return &MeetingSession{
		MeetingNumber: number,
		Pipeline:      pipeline,
		Participants:  make(map[ConnectionID]*UserSession),
	}
}

// OtherParticipants snapshots everyone except self.
func (m *MeetingSession) OtherParticipants(self ConnectionID) []Participant {
	out := make([]Participant, 0, len(m.Participants))
	for id, us := range m.Participants {
		if id == self {
			continue
		}
		out = append(out, us.Snapshot())
	}
	return out
}
