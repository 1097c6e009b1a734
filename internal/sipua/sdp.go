package sipua

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sweeney/dialtone/internal/engine"
)

// ErrNoCommonCodec is returned when an offer carries none of our codecs.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Payload types offered, in preference order.
var audioFormats = []string{"0", "8", "101"}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// Media describes one side of an audio session.
type Media struct {
	IP         net.IP
	Port       int
	Formats    []string
	Encryption engine.Encryption
}

// BuildSDP renders a session description for an offer or answer.
func BuildSDP(sessionID uint64, ip net.IP, port int, formats []string, srtp bool) ([]byte, error) {
	addr := ip.String()
	proto := []string{"RTP", "AVP"}
	if srtp {
		proto = []string{"RTP", "SAVP"}
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  proto,
			Formats: formats,
		},
	}
	for _, f := range formats {
		if m, ok := rtpmaps[f]; ok {
			md = md.WithValueAttribute("rtpmap", f+" "+m)
		}
		if f == "101" {
			md = md.WithValueAttribute("fmtp", "101 0-16")
		}
	}
	md = md.WithValueAttribute("ptime", "20")
	if srtp {
		key, err := srtpKey()
		if err != nil {
			return nil, err
		}
		md = md.WithValueAttribute("crypto", "1 AES_CM_128_HMAC_SHA1_80 inline:"+key)
	}
	md = md.WithPropertyAttribute("sendrecv")

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "dialtone",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "dialtone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}
	return sd.Marshal()
}

// BuildOffer renders our offer with every supported format.
func BuildOffer(sessionID uint64, ip net.IP, port int, srtp bool) ([]byte, error) {
	return BuildSDP(sessionID, ip, port, audioFormats, srtp)
}

func srtpKey() (string, error) {
	key := make([]byte, 30)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("srtp key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseSDP extracts the first audio stream from a remote description.
func ParseSDP(data []byte) (Media, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return Media{}, fmt.Errorf("parse sdp: %w", err)
	}

	var m Media
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		m.IP = net.ParseIP(sd.ConnectionInformation.Address.Address)
	}
	zrtp := hasAttribute(sd.Attributes, "zrtp-hash")

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		m.Port = md.MediaName.Port.Value
		m.Formats = md.MediaName.Formats
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			m.IP = net.ParseIP(md.ConnectionInformation.Address.Address)
		}
		switch {
		case zrtp || hasAttribute(md.Attributes, "zrtp-hash"):
			m.Encryption = engine.EncryptionZRTP
		case strings.Contains(strings.Join(md.MediaName.Protos, "/"), "SAVP") || hasAttribute(md.Attributes, "crypto"):
			m.Encryption = engine.EncryptionSRTP
		default:
			m.Encryption = engine.EncryptionNone
		}
		return m, nil
	}
	return Media{}, errors.New("parse sdp: no audio stream")
}

func hasAttribute(attrs []sdp.Attribute, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Negotiate picks the offered formats we support, keeping the offer's order.
func Negotiate(offered []string) ([]string, error) {
	var out []string
	audio := false
	for _, f := range offered {
		if _, ok := rtpmaps[f]; !ok {
			continue
		}
		out = append(out, f)
		if f != "101" {
			audio = true
		}
	}
	if !audio {
		return nil, ErrNoCommonCodec
	}
	return out, nil
}
