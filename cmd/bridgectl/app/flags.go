package app

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const envPrefix = "BRIDGECTL"

var (
	unsafeFlagName = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	dedupUnder     = regexp.MustCompile(`__+`)
)

// envVars returns the environment variable bound to the flag,
// e.g. "tcp-address" becomes BRIDGECTL_TCP_ADDRESS.
func envVars(name string) []string {
	return []string{fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(
		dedupUnder.ReplaceAllString(
			unsafeFlagName.ReplaceAllString(name, "_"),
			"_")))}
}

func stringFlag(dest *string, name, usage string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     envVars(name),
		Destination: dest,
		Value:       *dest,
	}
}

func boolFlag(dest *bool, name, usage string) *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     envVars(name),
		Destination: dest,
		Value:       *dest,
	}
}

func durationFlag(dest *time.Duration, name, usage string) *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     envVars(name),
		Destination: dest,
		Value:       *dest,
	}
}

func float64Flag(dest *float64, name, usage string) *cli.Float64Flag {
	return &cli.Float64Flag{
		Name:        name,
		Usage:       usage,
		EnvVars:     envVars(name),
		Destination: dest,
		Value:       *dest,
	}
}

func stringSliceFlag(dest *cli.StringSlice, name, usage string) *cli.StringSliceFlag {
	return &cli.StringSliceFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     envVars(name),
		Destination: dest,
		Value:       cli.NewStringSlice(dest.Value()...),
	}
}
