package connection

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kai-go/internal/json"
)

// Protocol 为客户端接入协议。
type Protocol uint8

const (
	Telnet Protocol = iota
	WebSocket
)

func (p Protocol) String() string {
	switch p {
	case Telnet:
		return "Telnet"
	case WebSocket:
		return "WebSocket"
	default:
		return "Unknown"
	}
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(p.String())), nil
}

func (p *Protocol) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "telnet", "":
		*p = Telnet
	case "websocket":
		*p = WebSocket
	default:
		return errors.Newf("unknown protocol %q", text)
	}
	return nil
}

// ColorType 为客户端支持的颜色深度。
type ColorType uint8

const (
	NoColor ColorType = iota
	Standard
	Xterm256
	TrueColor
)

var colorNames = []string{"none", "standard", "xterm256", "truecolor"}

func (c ColorType) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return "unknown"
}

func (c ColorType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ColorType) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	if name == "" {
		*c = NoColor
		return nil
	}
	for i, n := range colorNames {
		if n == name {
			*c = ColorType(i)
			return nil
		}
	}
	return errors.Newf("unknown color type %q", text)
}

// 常用特性开关名称。
const (
	FlagEncryption      = "encryption"
	FlagUTF8            = "utf8"
	FlagGMCP            = "gmcp"
	FlagMSDP            = "msdp"
	FlagMSSP            = "mssp"
	FlagMXP             = "mxp"
	FlagMCCP2           = "mccp2"
	FlagMCCP3           = "mccp3"
	FlagTType           = "ttype"
	FlagNAWS            = "naws"
	FlagSGA             = "sga"
	FlagLinemode        = "linemode"
	FlagForceEndline    = "force_endline"
	FlagOOB             = "oob"
	FlagTLS             = "tls"
	FlagScreenReader    = "screen_reader"
	FlagMouseTracking   = "mouse_tracking"
	FlagVT100           = "vt100"
	FlagOSCColorPalette = "osc_color_palette"
	FlagProxy           = "proxy"
	FlagMNES            = "mnes"
)

// Capabilities 为传输层协商得到的客户端能力，核心只存取不解释。
type Capabilities struct {
	Protocol      Protocol        `json:"protocol"`
	ClientName    string          `json:"client_name"`
	ClientVersion string          `json:"client_version"`
	HostAddress   string          `json:"host_address"`
	HostNames     []string        `json:"host_names,omitempty"`
	HostPort      int             `json:"host_port"`
	Encoding      string          `json:"encoding"`
	Color         ColorType       `json:"color"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Flags         map[string]bool `json:"flags,omitempty"`
}

// DefaultCapabilities 返回未协商前的缺省能力。
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Protocol:      Telnet,
		ClientName:    "UNKNOWN",
		ClientVersion: "UNKNOWN",
		HostAddress:   "UNKNOWN",
		Color:         NoColor,
		Width:         80,
		Height:        52,
	}
}

// Has 判断特性是否开启。
func (c Capabilities) Has(flag string) bool {
	return c.Flags[flag]
}

// Set 设置特性开关。
func (c *Capabilities) Set(flag string, on bool) {
	if c.Flags == nil {
		c.Flags = make(map[string]bool)
	}
	c.Flags[flag] = on
}

// Clone 返回深拷贝。
func (c Capabilities) Clone() Capabilities {
	out := c
	if c.HostNames != nil {
		out.HostNames = append([]string(nil), c.HostNames...)
	}
	if c.Flags != nil {
		out.Flags = make(map[string]bool, len(c.Flags))
		for k, v := range c.Flags {
			out.Flags[k] = v
		}
	}
	return out
}

// ParseCapabilities 在缺省值之上解析 JSON，缺失字段保持缺省。
func ParseCapabilities(data []byte) (Capabilities, error) {
	caps := DefaultCapabilities()
	if len(data) == 0 {
		return caps, nil
	}
	if err := json.Unmarshal(data, &caps); err != nil {
		return DefaultCapabilities(), errors.Wrap(err, "parse capabilities")
	}
	return caps, nil
}
