// Package events defines the event subjects published on the bus.
package events

// Session lifecycle subjects. The websocket gateway subscribes to
// SessionAll and fans the events out to every connected client so
// session lists stay live across devices.
const (
	SessionAll      = "session.>"
	SessionCreated  = "session.created"
	SessionMigrated = "session.migrated"
	SessionRemoved  = "session.removed"
	TurnStarted     = "session.turn.started"
	TurnEnded       = "session.turn.ended"
)
