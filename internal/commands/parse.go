package commands

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/reminder"
)

var errBadDelay = errors.New("bad delay")

// ParseDelay parses a Go duration extended with d (24h) and w (7d) units,
// e.g. "90m", "1d12h", "2w".
func ParseDelay(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("%w: empty", errBadDelay)
	}
	var total time.Duration
	for rest := in; rest != ""; {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		j := i
		for j < len(rest) && rest[j] >= 'a' && rest[j] <= 'z' {
			j++
		}
		if i == 0 || j == i {
			return 0, fmt.Errorf("%w: %q", errBadDelay, s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadDelay, s)
		}
		unit, err := unitOf(rest[i:j])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadDelay, s)
		}
		if n > int64(math.MaxInt64/unit) || total > math.MaxInt64-time.Duration(n)*unit {
			return 0, fmt.Errorf("%w: %q is too long", errBadDelay, s)
		}
		total += time.Duration(n) * unit
		rest = rest[j:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", errBadDelay, s)
	}
	return total, nil
}

func unitOf(u string) (time.Duration, error) {
	switch u {
	case "w":
		return 7 * 24 * time.Hour, nil
	case "d":
		return 24 * time.Hour, nil
	}
	return time.ParseDuration("1" + u)
}

// remindArgs is the parsed form of "<delay> [recurrence] <text>".
type remindArgs struct {
	Delay      time.Duration
	Recurrence reminder.Recurrence
	Text       string
}

func parseRemind(rest string) (remindArgs, error) {
	tok, rest := nextToken(rest)
	if tok == "" {
		return remindArgs{}, fmt.Errorf("%w: missing delay", reminder.ErrInvalidRequest)
	}
	d, err := ParseDelay(tok)
	if err != nil {
		return remindArgs{}, fmt.Errorf("%w: %v", reminder.ErrInvalidRequest, err)
	}
	out := remindArgs{Delay: d, Recurrence: reminder.RecurNone}
	if word, after := nextToken(rest); word != "" {
		switch strings.ToLower(word) {
		case "daily", "weekly", "monthly":
			out.Recurrence, _ = reminder.ParseRecurrence(word)
			rest = after
		}
	}
	out.Text = strings.TrimSpace(rest)
	if out.Text == "" {
		return remindArgs{}, fmt.Errorf("%w: missing text", reminder.ErrInvalidRequest)
	}
	return out, nil
}

// humanDuration renders d compactly with day units, dropping seconds for
// anything longer than an hour.
func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d >= time.Hour {
		d = d.Round(time.Minute)
	} else {
		d = d.Round(time.Second)
	}
	var b strings.Builder
	if days := d / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * 24 * time.Hour
	}
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dh", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dm", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}
