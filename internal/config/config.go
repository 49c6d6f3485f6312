// Package config overlays environment variables and an optional config file
// onto a pflag flag set, and parses compound flag values.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// EnvName returns the environment variable bound to flagName.
func EnvName(envPrefix, flagName string) string {
	return strings.ToUpper(envReplacer.Replace(envPrefix + "_" + flagName))
}

// Bind updates flags that were not set on the command line from environment
// variables (envPrefix_FLAG_NAME) and, if configFlag names a non-empty flag,
// from that YAML file. Precedence: flags, environment, config file, defaults.
func Bind(fs *pflag.FlagSet, envPrefix, configFlag string) error {
	v := viper.New()

	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	v.SetEnvKeyReplacer(envReplacer)
	v.SetEnvPrefix(strings.ToUpper(envPrefix))
	v.AutomaticEnv()

	if configFlag != "" {
		if f := v.GetString(configFlag); f != "" {
			v.SetConfigType("yaml")
			v.SetConfigFile(f)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", f, err)
			}
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		s := fmt.Sprintf("%v", v.Get(f.Name))
		if f.Value.Type() == "stringSlice" {
			s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
			s = strings.NewReplacer(", ", ",", " ", ",").Replace(s)
		}
		if err := fs.Set(f.Name, s); err != nil {
			errs = append(errs, fmt.Errorf("--%s (%s): %w", f.Name, EnvName(envPrefix, f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// ParseTCPKeepAlive parses on|off|keepidle:keepintvl:keepcnt, with the idle
// and interval parts in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	idle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	intvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	cnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(idle) * time.Second,
		Interval: time.Duration(intvl) * time.Second,
		Count:    cnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
