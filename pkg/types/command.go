package types

import "time"

// name of a wire command, doubles as the "command" tag of a frame
type CommandName string

const (
	CommandLock            CommandName = "Lock"
	CommandRelease         CommandName = "Release"
	CommandLockResponse    CommandName = "LockResponse"
	CommandReleaseResponse CommandName = "ReleaseResponse"
)

// interface all client requests implement
type Command interface {
	Name() CommandName
	LockID() string
}

// requests exclusive ownership of a lock
// HasTimeout false means timeout_ms was absent or null and the request must not wait
type LockCommand struct {
	ID         string
	Timeout    time.Duration
	HasTimeout bool
}

func (c LockCommand) Name() CommandName { return CommandLock }
func (c LockCommand) LockID() string    { return c.ID }

// releases a lock held by the requesting connection
type ReleaseCommand struct {
	ID string
}

func (c ReleaseCommand) Name() CommandName { return CommandRelease }
func (c ReleaseCommand) LockID() string    { return c.ID }

// reply to a single command
type Response struct {
	Command CommandName
	ID      string
	Success bool
}

// returns the response name matching a request
func ResponseFor(cmd Command, success bool) Response {
	name := CommandLockResponse
	if cmd.Name() == CommandRelease {
		name = CommandReleaseResponse
	}
	return Response{
		Command: name,
		ID:      cmd.LockID(),
		Success: success,
	}
}
