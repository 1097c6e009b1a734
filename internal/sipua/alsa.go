package sipua

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPCMPath is where the kernel lists ALSA PCM devices.
const DefaultPCMPath = "/proc/asound/pcm"

// SoundDevice is one ALSA PCM device.
type SoundDevice struct {
	Card        int
	Device      int
	ID          string
	Description string
	Playback    bool
	Capture     bool
}

// Name returns the ALSA hardware name, e.g. "hw:1,0".
func (d SoundDevice) Name() string {
	return fmt.Sprintf("hw:%d,%d", d.Card, d.Device)
}

// Matches reports whether name refers to this device. Both the hw: and
// plughw: forms are accepted.
func (d SoundDevice) Matches(name string) bool {
	suffix := fmt.Sprintf("%d,%d", d.Card, d.Device)
	return name == "hw:"+suffix || name == "plughw:"+suffix
}

// ParsePCM parses the /proc/asound/pcm format:
//
//	01-00: USB Audio : USB Audio : playback 1 : capture 1
func ParsePCM(r io.Reader) ([]SoundDevice, error) {
	var devices []SoundDevice
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed pcm line %q", line)
		}
		card, dev, ok := strings.Cut(strings.TrimSpace(fields[0]), "-")
		if !ok {
			return nil, fmt.Errorf("malformed pcm address %q", fields[0])
		}
		c, err := strconv.Atoi(card)
		if err != nil {
			return nil, fmt.Errorf("pcm card %q: %w", card, err)
		}
		d, err := strconv.Atoi(dev)
		if err != nil {
			return nil, fmt.Errorf("pcm device %q: %w", dev, err)
		}

		sd := SoundDevice{
			Card:        c,
			Device:      d,
			ID:          strings.TrimSpace(fields[1]),
			Description: strings.TrimSpace(fields[2]),
		}
		for _, f := range fields[3:] {
			switch kind, _, _ := strings.Cut(strings.TrimSpace(f), " "); kind {
			case "playback":
				sd.Playback = true
			case "capture":
				sd.Capture = true
			}
		}
		devices = append(devices, sd)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pcm list: %w", err)
	}
	return devices, nil
}

// ListSoundDevices reads the PCM device list at path.
func ListSoundDevices(path string) ([]SoundDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcm list: %w", err)
	}
	defer f.Close()
	return ParsePCM(f)
}

// canUse reports whether name is usable in the wanted direction. "default"
// and the empty name match any capable device.
func canUse(devices []SoundDevice, name string, capture bool) bool {
	for _, d := range devices {
		ok := d.Playback
		if capture {
			ok = d.Capture
		}
		if !ok {
			continue
		}
		if name == "" || name == "default" || d.Matches(name) {
			return true
		}
	}
	return false
}
