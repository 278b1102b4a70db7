// Package misc is a placeholder package for internal utilities that are shared across packages, but do not have any shared characteristics.
package misc

import (
	"math"
	"math/rand/v2"
	"os"

	"github.com/rs/zerolog"
)

// RandomPort returns a random port number from 1024 - 65535
func RandomPort() uint16 {
	return uint16(1024 + rand.Uint32N((math.MaxUint16 - 1024)))
}

// DefaultLogger builds the console logger used by components that were not handed one.
// The named field is printed first so interleaved logs from several nodes stay readable.
func DefaultLogger(field, value string) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{field},
		TimeFormat:  "15:04:05",
	}).With().
		Str(field, value).
		Timestamp().
		Caller().
		Logger().Level(zerolog.WarnLevel)
	return &l
}
