// Package missed renders a spoken missed-call notice: the caller's number
// read out digit by digit, built by concatenating pre-recorded WAV clips.
package missed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// AnonymousClip is played for callers who withheld their number.
const AnonymousClip = "anonymous.wav"

// pcmFormat is the WAVE_FORMAT_PCM format tag.
const pcmFormat = 1

var (
	// ErrNotNumeric is returned when a peer address has no numeric user part.
	// Callers that are neither numeric nor anonymous get no artifact.
	ErrNotNumeric = errors.New("missed: peer is not a number")

	// ErrFormatMismatch is returned when clips differ in sample format.
	ErrFormatMismatch = errors.New("missed: clip formats differ")
)

// Generator produces a missed-call artifact and returns its path.
type Generator interface {
	Generate(ctx context.Context, peer string, at time.Time) (string, error)
}

// WAVGenerator reads <digit>.wav clips from an assets directory and writes
// one WAV file per missed call into an output directory.
type WAVGenerator struct {
	assets string
	output string
}

// NewWAVGenerator creates a generator.
func NewWAVGenerator(assets, output string) *WAVGenerator {
	return &WAVGenerator{assets: assets, output: output}
}

// splitPeer returns the user and host parts of a SIP address, with any
// display name, scheme and URI parameters removed.
func splitPeer(peer string) (user, host string) {
	s := peer
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "sips:"), "sip:")
	if i := strings.IndexAny(s, ";?"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

// PeerDigits extracts the user part of a SIP address and checks that it is
// made of decimal digits only.
func PeerDigits(peer string) (string, error) {
	user, _ := splitPeer(peer)
	user = strings.TrimPrefix(user, "+")
	if user == "" {
		return "", ErrNotNumeric
	}
	for _, c := range user {
		if c < '0' || c > '9' {
			return "", ErrNotNumeric
		}
	}
	return user, nil
}

// IsAnonymous reports whether peer withheld its identity: an empty user,
// the user "anonymous" or the anonymous.invalid host.
func IsAnonymous(peer string) bool {
	user, host := splitPeer(peer)
	return user == "" ||
		strings.EqualFold(user, "anonymous") ||
		strings.EqualFold(host, "anonymous.invalid")
}

// Clips returns the clip file names that read out peer. Numeric callers get
// one clip per digit and anonymous callers get AnonymousClip. Anyone else
// yields ErrNotNumeric.
func Clips(peer string) ([]string, error) {
	digits, err := PeerDigits(peer)
	if err != nil {
		if IsAnonymous(peer) {
			return []string{AnonymousClip}, nil
		}
		return nil, err
	}
	clips := make([]string, len(digits))
	for i, d := range digits {
		clips[i] = string(d) + ".wav"
	}
	return clips, nil
}

// Generate writes <output>/<timestamp>.wav, with millisecond resolution.
// A name already taken gets a numeric suffix.
func (g *WAVGenerator) Generate(ctx context.Context, peer string, at time.Time) (string, error) {
	clips, err := Clips(peer)
	if err != nil {
		return "", err
	}

	var out *audio.IntBuffer
	for _, name := range clips {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		buf, err := readClip(filepath.Join(g.assets, name))
		if err != nil {
			return "", err
		}
		if out == nil {
			out = &audio.IntBuffer{Format: buf.Format, SourceBitDepth: buf.SourceBitDepth}
		} else if !sameFormat(out, buf) {
			return "", fmt.Errorf("%s: %w", name, ErrFormatMismatch)
		}
		out.Data = append(out.Data, buf.Data...)
	}

	f, err := g.create(at)
	if err != nil {
		return "", err
	}
	enc := wav.NewEncoder(f, out.Format.SampleRate, out.SourceBitDepth, out.Format.NumChannels, pcmFormat)
	if err := enc.Write(out); err != nil {
		f.Close()
		return "", fmt.Errorf("write missed call file: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("write missed call file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write missed call file: %w", err)
	}
	return f.Name(), nil
}

// create opens a new output file named after at.
func (g *WAVGenerator) create(at time.Time) (*os.File, error) {
	base := filepath.Join(g.output, at.UTC().Format("20060102-150405.000"))
	path := base + ".wav"
	for n := 2; ; n++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create missed call file: %w", err)
		}
		path = base + "-" + strconv.Itoa(n) + ".wav"
	}
}

func sameFormat(a, b *audio.IntBuffer) bool {
	return a.Format.NumChannels == b.Format.NumChannels &&
		a.Format.SampleRate == b.Format.SampleRate &&
		a.SourceBitDepth == b.SourceBitDepth
}

// readClip decodes every sample of a PCM WAV clip.
func readClip(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	name := filepath.Base(path)
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("clip %s: not a WAV file", name)
	}
	if d.WavAudioFormat != pcmFormat {
		return nil, fmt.Errorf("clip %s: only PCM is supported", name)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read clip %s: %w", name, err)
	}
	return buf, nil
}
