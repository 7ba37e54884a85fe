package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Level 与 python logging 兼容的数值级别
type Level int

const (
	NotSet   Level = 0
	Debug    Level = 10
	Info     Level = 20
	Warning  Level = 30
	Error    Level = 40
	Critical Level = 50
)

var levelNames = map[Level]string{
	NotSet:   "NOTSET",
	Debug:    "DEBUG",
	Info:     "INFO",
	Warning:  "WARNING",
	Error:    "ERROR",
	Critical: "CRITICAL",
}

var levelAliases = map[string]Level{
	"NOTSET":   NotSet,
	"DEBUG":    Debug,
	"INFO":     Info,
	"WARN":     Warning,
	"WARNING":  Warning,
	"ERROR":    Error,
	"CRITICAL": Critical,
	"FATAL":    Critical,
}

// String 未知级别输出为 "Level N"
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level %d", int(l))
}

// ParseLevel 解析级别名称或数字
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if lvl, ok := levelAliases[strings.ToUpper(s)]; ok {
		return lvl, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Level(n), nil
	}
	// "Level 15" 形式
	if rest, ok := strings.CutPrefix(s, "Level "); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return Level(n), nil
		}
	}
	return NotSet, fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, s)
}

func (l *Level) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*l = NotSet
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		lvl, err := ParseLevel(s)
		if err != nil {
			return err
		}
		*l = lvl
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: level must be a name or an integer", ErrInvalidConfig)
	}
	*l = Level(n)
	return nil
}

func (l Level) MarshalJSON() ([]byte, error) {
	if name, ok := levelNames[l]; ok {
		return json.Marshal(name)
	}
	return json.Marshal(int(l))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: invalid duration %q", ErrInvalidConfig, s)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: duration must be a string or nanoseconds", ErrInvalidConfig)
	}
	*d = Duration(n)
	return nil
}

// Address 接受 "host:port"、unix socket 路径或 ["host", port]
type Address string

func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("%w: address pair must be [host, port]", ErrInvalidConfig)
		}
		var host string
		var port int
		if err := json.Unmarshal(pair[0], &host); err != nil {
			return fmt.Errorf("%w: address host: %v", ErrInvalidConfig, err)
		}
		if err := json.Unmarshal(pair[1], &port); err != nil {
			return fmt.Errorf("%w: address port: %v", ErrInvalidConfig, err)
		}
		*a = Address(net.JoinHostPort(host, strconv.Itoa(port)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = Address(s)
	return nil
}

// IsPath unix socket 地址
func (a Address) IsPath() bool {
	return strings.HasPrefix(string(a), "/")
}

var syslogFacilities = map[string]int{
	"kern": 0, "user": 1, "mail": 2, "daemon": 3, "auth": 4, "syslog": 5,
	"lpr": 6, "news": 7, "uucp": 8, "cron": 9, "authpriv": 10, "ftp": 11,
	"local0": 16, "local1": 17, "local2": 18, "local3": 19,
	"local4": 20, "local5": 21, "local6": 22, "local7": 23,
}

// Facility syslog 使用数值，GELF 使用原始名称
type Facility struct {
	Name string
	Code int
	Set  bool
}

func (f *Facility) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = Facility{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		code, ok := syslogFacilities[strings.ToLower(s)]
		if !ok {
			code = -1
			if n, err := strconv.Atoi(s); err == nil {
				code = n
			}
		}
		*f = Facility{Name: s, Code: code, Set: true}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: facility must be a name or an integer", ErrInvalidConfig)
	}
	*f = Facility{Name: strconv.Itoa(n), Code: n, Set: true}
	return nil
}

func (f Facility) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return json.Marshal(f.Name)
}

// IsZero 配合 omitempty/omitzero
func (f Facility) IsZero() bool { return !f.Set }

