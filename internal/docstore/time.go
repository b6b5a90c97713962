package docstore

import "time"

// timeLayout has a fixed width so that formatted UTC timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
