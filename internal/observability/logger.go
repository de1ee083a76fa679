package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger returns the global logger bound to one node component.
// Configure logging before calling it.
func ComponentLogger(node, component string) zerolog.Logger {
	return log.With().Str("node", node).Str("component", component).Logger()
}
