// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides for custom types to translate time from JSON and other formats
// into time.Time objects.
package time

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unix provides a type that can marshal and unmarshal a string representation
// of the unix epoch into a time.Time object.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(fmt.Sprintf("%q", strconv.FormatInt(u.T.Unix(), 10))), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON(). Both the quoted and the bare
// form of the epoch are accepted; an empty string is the zero time.
func (u *Unix) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		u.T = time.Time{}
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted from string to int: %w", string(b), err)
	}
	u.T = time.Unix(i, 0)
	return nil
}

// IsZero reports if no time was set.
func (u Unix) IsZero() bool {
	return u.T.IsZero()
}

// Seconds is a count of seconds such as "expires_in". Identity providers send it either as a
// JSON number or as a numeric string; both decode.
type Seconds int64

// MarshalJSON implements encoding/json.MarshalJSON().
func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(s), 10)), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// some servers send a float
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return fmt.Errorf("seconds(%s) is not a number: %w", string(b), err)
		}
		i = int64(f)
	}
	*s = Seconds(i)
	return nil
}

const maxSeconds = Seconds(math.MaxInt64 / int64(time.Second))

// Duration converts s to a time.Duration, clamped to the largest Duration that whole seconds
// can express.
func (s Seconds) Duration() time.Duration {
	switch {
	case s > maxSeconds:
		s = maxSeconds
	case s < -maxSeconds:
		s = -maxSeconds
	}
	return time.Duration(s) * time.Second
}
