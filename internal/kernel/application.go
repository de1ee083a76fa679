package kernel

import (
	"errors"
	"strings"
)

var ErrApplicationArgsRequired = errors.New("kernel: application args required")

// Application describes a user program launched in a child process.
type Application struct {
	ID                uint64
	Args              []string
	Env               []string
	WaitForCompletion bool
}

func (a Application) Validate() error {
	if len(a.Args) == 0 || strings.TrimSpace(a.Args[0]) == "" {
		return ErrApplicationArgsRequired
	}
	return nil
}

func (a Application) Write(e *Encoder) {
	e.U64(a.ID)
	e.Strings(a.Args)
	e.Strings(a.Env)
	e.Bool(a.WaitForCompletion)
}

func (a *Application) Read(d *Decoder) error {
	a.ID = d.U64()
	a.Args = d.Strings()
	a.Env = d.Strings()
	a.WaitForCompletion = d.Bool()
	return d.Err()
}
