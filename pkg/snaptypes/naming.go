package snaptypes

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// member snapshot names: <origin>-snapset_<set name>_<unix timestamp>_<encoded source>

const (
	memberNameMarker = "snapset"
	mountSeparator   = "-"
	escapedDash      = ".2d"
)

// no leading '.' so "." and ".." are out, as are hidden files in the state directory
var setNameRe = regexp.MustCompile(`^[A-Za-z0-9+-][A-Za-z0-9+.-]*$`)

func ValidateSetName(name string) error {
	if !setNameRe.MatchString(name) {
		return fmt.Errorf(
			"%w: set name '%s' must be non-empty, consist of [A-Za-z0-9+.-] and not start with '.'",
			ErrInvalidRequest,
			name)
	}

	return nil
}

func FormatMemberName(originName string, setName string, timestamp time.Time, source string) string {
	return fmt.Sprintf(
		"%s-%s_%s_%d_%s",
		originName,
		memberNameMarker,
		setName,
		timestamp.Unix(),
		EncodeSource(source))
}

type ParsedMemberName struct {
	SetName   string
	Timestamp time.Time
	Source    string
}

func (p ParsedMemberName) SetID() SetID {
	return NewSetID(p.SetName, p.Timestamp)
}

// ParseMemberName is the inverse of FormatMemberName. ok=false for names not following the
// convention (i.e. snapshots we don't manage).
func ParseMemberName(name string, originName string) (ParsedMemberName, bool) {
	if !strings.HasPrefix(name, originName+"-") {
		return ParsedMemberName{}, false
	}

	fields := strings.SplitN(strings.TrimPrefix(name, originName+"-"), "_", 4)
	if len(fields) != 4 || fields[0] != memberNameMarker || ValidateSetName(fields[1]) != nil {
		return ParsedMemberName{}, false
	}

	unix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return ParsedMemberName{}, false
	}

	source, err := DecodeSource(fields[3])
	if err != nil {
		return ParsedMemberName{}, false
	}

	return ParsedMemberName{
		SetName:   fields[1],
		Timestamp: time.Unix(unix, 0).UTC(),
		Source:    source,
	}, true
}

// EncodeSource maps a clean absolute path (mount point or device) to something usable in a
// snapshot name. DecodeSource reverses it exactly.
func EncodeSource(path string) string {
	if path == "/" {
		return mountSeparator
	}

	components := strings.Split(escapeBadChars(path), "/")
	for idx, component := range components {
		// a leading '-' would be indistinguishable from a doubled one ending the previous
		// component, so it gets hex-escaped instead
		if strings.HasPrefix(component, mountSeparator) {
			component = escapedDash + component[1:]
		}

		components[idx] = strings.ReplaceAll(component, mountSeparator, mountSeparator+mountSeparator)
	}

	return strings.Join(components, mountSeparator)
}

func DecodeSource(encoded string) (string, error) {
	if encoded == mountSeparator {
		return "/", nil
	}

	components := []string{}
	current := strings.Builder{}

	for i := 0; i < len(encoded); i++ {
		if encoded[i] != '-' {
			current.WriteByte(encoded[i])
			continue
		}

		if i+1 < len(encoded) && encoded[i+1] == '-' {
			current.WriteByte('-')
			i++
			continue
		}

		components = append(components, current.String())
		current.Reset()
	}
	components = append(components, current.String())

	return unescapeBadChars(strings.Join(components, "/"))
}

func validNameChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	default:
		return ch == '+' || ch == '_' || ch == '.' || ch == '-'
	}
}

func escapeBadChars(path string) string {
	escaped := strings.Builder{}

	for i := 0; i < len(path); i++ {
		ch := path[i]

		switch {
		case ch == '.':
			escaped.WriteString("..")
		case ch == '/' || validNameChar(ch):
			escaped.WriteByte(ch)
		default:
			escaped.WriteString("." + hex.EncodeToString([]byte{ch}))
		}
	}

	return escaped.String()
}

func unescapeBadChars(path string) (string, error) {
	unescaped := []byte{}

	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			unescaped = append(unescaped, path[i])
			continue
		}

		if i+1 < len(path) && path[i+1] == '.' {
			unescaped = append(unescaped, '.')
			i++
			continue
		}

		if i+2 >= len(path) {
			return "", fmt.Errorf("truncated escape in '%s'", path)
		}

		decoded, err := hex.DecodeString(path[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad escape in '%s': %w", path, err)
		}

		unescaped = append(unescaped, decoded...)
		i += 2
	}

	return string(unescaped), nil
}

// HandleForSet is the handle the member's snapshot has once it belongs to set setName
func (m Member) HandleForSet(setName string, timestamp time.Time) MemberHandle {
	handle := m.Handle
	handle.Name = FormatMemberName(lastComponent(m.Origin), setName, timestamp, m.Source())
	handle.ID = joinComponents(firstComponent(m.Handle.ID), handle.Name)

	return handle
}
