package missed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clipFormat struct {
	channels   int
	sampleRate int
}

var mono8k = clipFormat{channels: 1, sampleRate: 8000}

func writeClip(t *testing.T, dir, name string, cf clipFormat, samples []int) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, cf.sampleRate, 16, cf.channels, pcmFormat)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{NumChannels: cf.channels, SampleRate: cf.sampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func readOutput(t *testing.T, path string) (*wav.Decoder, *audio.IntBuffer) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile())
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return d, buf
}

func TestPeerDigits(t *testing.T) {
	tests := []struct {
		peer    string
		want    string
		wantErr bool
	}{
		{"sip:0123@example.org", "0123", false},
		{"\"Alice\" <sip:+4930123@example.org>", "4930123", false},
		{"sips:42@x", "42", false},
		{"sip:42@x;transport=tcp", "42", false},
		{"sip:alice@example.org", "", true},
		{"sip:anonymous@anonymous.invalid", "", true},
		{"sip:@example.org", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.peer, func(t *testing.T) {
			got, err := PeerDigits(tt.peer)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotNumeric)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsAnonymous(t *testing.T) {
	assert.True(t, IsAnonymous("sip:anonymous@anonymous.invalid"))
	assert.True(t, IsAnonymous("\"Anonymous\" <sip:Anonymous@example.org>"))
	assert.True(t, IsAnonymous("sip:someone@anonymous.invalid"))
	assert.True(t, IsAnonymous("sip:example.org"))
	assert.True(t, IsAnonymous(""))
	assert.False(t, IsAnonymous("sip:bob@example.org"))
	assert.False(t, IsAnonymous("sip:0123@example.org"))
}

func TestClips(t *testing.T) {
	clips, err := Clips("sip:101@x")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.wav", "0.wav", "1.wav"}, clips)

	clips, err = Clips("sip:anonymous@anonymous.invalid")
	require.NoError(t, err)
	assert.Equal(t, []string{AnonymousClip}, clips)

	clips, err = Clips("sip:bob@x")
	assert.ErrorIs(t, err, ErrNotNumeric)
	assert.Nil(t, clips)
}

func TestGenerateConcatenatesDigits(t *testing.T) {
	assets := t.TempDir()
	out := t.TempDir()
	writeClip(t, assets, "1.wav", mono8k, []int{1, 1, 1})
	writeClip(t, assets, "2.wav", mono8k, []int{2, 2, 2, 2, 2})
	writeClip(t, assets, "3.wav", mono8k, []int{-3})

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	g := NewWAVGenerator(assets, out)
	path, err := g.Generate(context.Background(), "sip:1232@example.org", at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "20260304-050607.000.wav"), path)

	d, buf := readOutput(t, path)
	assert.Equal(t, uint32(8000), d.SampleRate)
	assert.Equal(t, uint16(1), d.NumChans)
	assert.Equal(t, uint16(16), d.BitDepth)
	assert.Equal(t, []int{1, 1, 1, 2, 2, 2, 2, 2, -3, 2, 2, 2, 2, 2}, buf.Data)
}

func TestGenerateKeepsEveryClipSample(t *testing.T) {
	assets := t.TempDir()
	long := make([]int, 4001)
	for i := range long {
		long[i] = i % 100
	}
	writeClip(t, assets, "7.wav", mono8k, long)
	writeClip(t, assets, "8.wav", mono8k, []int{-1, -2, -3})

	path, err := NewWAVGenerator(assets, t.TempDir()).Generate(context.Background(), "sip:787@x", time.Now())
	require.NoError(t, err)

	_, buf := readOutput(t, path)
	require.Len(t, buf.Data, 2*len(long)+3)
	assert.Equal(t, long, buf.Data[:len(long)])
	assert.Equal(t, []int{-1, -2, -3}, buf.Data[len(long):len(long)+3])
	assert.Equal(t, long, buf.Data[len(long)+3:])
}

func TestGenerateAnonymous(t *testing.T) {
	assets := t.TempDir()
	out := t.TempDir()
	writeClip(t, assets, AnonymousClip, mono8k, []int{7, 7})

	path, err := NewWAVGenerator(assets, out).Generate(context.Background(), "sip:anonymous@anonymous.invalid", time.Now())
	require.NoError(t, err)

	_, buf := readOutput(t, path)
	assert.Equal(t, []int{7, 7}, buf.Data)
}

func TestGenerateNonNumericCaller(t *testing.T) {
	assets := t.TempDir()
	out := t.TempDir()
	writeClip(t, assets, AnonymousClip, mono8k, []int{7, 7})

	path, err := NewWAVGenerator(assets, out).Generate(context.Background(), "sip:alice@example.org", time.Now())
	assert.ErrorIs(t, err, ErrNotNumeric)
	assert.Empty(t, path)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateSameInstantKeepsBothFiles(t *testing.T) {
	assets := t.TempDir()
	out := t.TempDir()
	writeClip(t, assets, "1.wav", mono8k, []int{1})
	writeClip(t, assets, "2.wav", mono8k, []int{2})

	at := time.Date(2026, 3, 4, 5, 6, 7, 250*int(time.Millisecond), time.UTC)
	g := NewWAVGenerator(assets, out)
	first, err := g.Generate(context.Background(), "sip:1@x", at)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), "sip:2@x", at)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "20260304-050607.250.wav"), first)
	assert.Equal(t, filepath.Join(out, "20260304-050607.250-2.wav"), second)

	_, buf := readOutput(t, first)
	assert.Equal(t, []int{1}, buf.Data)
	_, buf = readOutput(t, second)
	assert.Equal(t, []int{2}, buf.Data)
}

func TestGenerateMissingClip(t *testing.T) {
	assets := t.TempDir()
	writeClip(t, assets, "1.wav", mono8k, []int{1})

	_, err := NewWAVGenerator(assets, t.TempDir()).Generate(context.Background(), "sip:19@x", time.Now())
	assert.ErrorContains(t, err, "open clip")
}

func TestGenerateFormatMismatch(t *testing.T) {
	assets := t.TempDir()
	writeClip(t, assets, "1.wav", mono8k, []int{1})
	writeClip(t, assets, "2.wav", clipFormat{channels: 2, sampleRate: 8000}, []int{2, 2})

	_, err := NewWAVGenerator(assets, t.TempDir()).Generate(context.Background(), "sip:12@x", time.Now())
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestGenerateRejectsNonWAV(t *testing.T) {
	assets := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(assets, "5.wav"), []byte("not a wav file"), 0o644))

	_, err := NewWAVGenerator(assets, t.TempDir()).Generate(context.Background(), "sip:5@x", time.Now())
	assert.Error(t, err)
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWAVGenerator(t.TempDir(), t.TempDir()).Generate(ctx, "sip:5@x", time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
