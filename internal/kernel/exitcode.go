package kernel

import "strconv"

// ExitCode is the result of a kernel. The zero value means the result is not set yet.
type ExitCode uint16

const (
	Undefined ExitCode = iota
	Success
	Error
	EndpointNotConnected
	NoPrincipalFound
	NoUpstreamServersAvailable
)

// UserExitCodeBase is the first application-defined exit code.
const UserExitCodeBase ExitCode = 64

func (c ExitCode) Defined() bool {
	return c != Undefined
}

func (c ExitCode) String() string {
	switch c {
	case Undefined:
		return "undefined"
	case Success:
		return "success"
	case Error:
		return "error"
	case EndpointNotConnected:
		return "endpoint_not_connected"
	case NoPrincipalFound:
		return "no_principal_found"
	case NoUpstreamServersAvailable:
		return "no_upstream_servers_available"
	default:
		if c >= UserExitCodeBase {
			return "user_" + strconv.Itoa(int(c-UserExitCodeBase))
		}
		return "code_" + strconv.Itoa(int(c))
	}
}
