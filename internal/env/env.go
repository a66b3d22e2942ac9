package env

import (
	"github.com/thatsimonsguy/touchline-bridge/internal/config"
)

var Cfg *config.Config
