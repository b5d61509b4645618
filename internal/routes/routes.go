// Package routes loads the static bus routes and accounts file.
package routes

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/bus"
)

type File struct {
	Buses    []bus.Route    `yaml:"buses"`
	Accounts []auth.Account `yaml:"accounts"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a routes document. Unknown keys are errors.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	if len(f.Buses) == 0 {
		return errors.New("no buses configured")
	}
	seen := make(map[int]bool, len(f.Buses))
	for i, r := range f.Buses {
		if r.BusID <= 0 {
			return fmt.Errorf("buses[%d]: busId must be positive", i)
		}
		if seen[r.BusID] {
			return fmt.Errorf("buses[%d]: duplicate busId %d", i, r.BusID)
		}
		seen[r.BusID] = true
		if len(r.Stops) == 0 {
			return fmt.Errorf("bus %d: no stops", r.BusID)
		}
		for j, s := range r.Stops {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("bus %d stop %d: empty name", r.BusID, j)
			}
			if s.ScheduledTime != "" {
				if _, err := time.Parse("15:04", s.ScheduledTime); err != nil {
					return fmt.Errorf("bus %d stop %q: invalid scheduledTime %q", r.BusID, s.Name, s.ScheduledTime)
				}
			}
		}
	}
	for i, a := range f.Accounts {
		if strings.TrimSpace(a.Identifier) == "" {
			return fmt.Errorf("accounts[%d]: empty identifier", i)
		}
		if !a.Role.Valid() {
			return fmt.Errorf("account %q: invalid role %q", a.Identifier, a.Role)
		}
		if a.Role == auth.RoleDriver {
			if a.BusID == nil || !seen[*a.BusID] {
				return fmt.Errorf("driver %q: busId must name a configured bus", a.Identifier)
			}
		}
		if a.SecretHash == "" {
			return fmt.Errorf("account %q: empty secretHash", a.Identifier)
		}
	}
	return nil
}
