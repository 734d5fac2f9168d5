package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/forPelevin/hlclip/internal/domain/signals"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

const (
	detectSampleRate = 16000
	sceneThreshold   = 0.35
)

func (a *Adapter) Energy(ctx context.Context, mediaPath string, topK int) ([]types.EnergyWindow, error) {
	samples, err := a.samples(ctx, mediaPath)
	if err != nil {
		return nil, err
	}
	w := signals.RMSWindows(samples, detectSampleRate, signals.EnergyWindowSec)
	return signals.TopEnergy(w, topK), nil
}

func (a *Adapter) Hype(ctx context.Context, mediaPath string) ([]types.HypeEvent, error) {
	samples, err := a.samples(ctx, mediaPath)
	if err != nil {
		return nil, err
	}
	w := signals.RMSWindows(samples, detectSampleRate, signals.HypeWindowSec)
	return signals.DetectHype(w, signals.HypeMultiplier), nil
}

// Scenes returns sorted, deduplicated timestamps of scene cuts.
func (a *Adapter) Scenes(ctx context.Context, mediaPath string) ([]float64, error) {
	b, err := run(ctx, "ffmpeg scene detect", a.ffmpeg,
		"-hide_banner",
		"-i", mediaPath,
		"-vf", fmt.Sprintf("select='gt(scene,%.2f)',showinfo", sceneThreshold),
		"-an",
		"-f", "null",
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrDetector, err)
	}
	return parseSceneTimes(b), nil
}

// audioCache keeps the decoded track of the most recent media file so the
// energy and hype detectors share one decode. The entry is released once
// both have read it.
type audioCache struct {
	mu   sync.Mutex
	last *decodedAudio
}

type audioKey struct {
	path  string
	size  int64
	mtime int64
}

type decodedAudio struct {
	key     audioKey
	once    sync.Once
	reads   int
	samples []int16
	err     error
}

const audioReaders = 2

func keyFor(mediaPath string) audioKey {
	k := audioKey{path: mediaPath}
	if fi, err := os.Stat(mediaPath); err == nil {
		k.size, k.mtime = fi.Size(), fi.ModTime().UnixNano()
	}
	return k
}

func (a *Adapter) samples(ctx context.Context, mediaPath string) ([]int16, error) {
	key := keyFor(mediaPath)
	c := &a.audio

	c.mu.Lock()
	d := c.last
	if d == nil || d.key != key {
		d = &decodedAudio{key: key}
		c.last = d
	}
	c.mu.Unlock()

	d.once.Do(func() { d.samples, d.err = a.pcm(ctx, mediaPath) })

	c.mu.Lock()
	d.reads++
	if c.last == d && (d.err != nil || d.reads >= audioReaders) {
		c.last = nil
	}
	c.mu.Unlock()
	return d.samples, d.err
}

// pcm decodes the audio track to mono signed 16-bit little-endian samples.
func (a *Adapter) pcm(ctx context.Context, mediaPath string) ([]int16, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.ffmpeg,
		"-hide_banner",
		"-i", mediaPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(detectSampleRate),
		"-f", "s16le",
		"-",
	)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrDetector, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ports.ErrDetector, err)
	}
	samples, readErr := decodePCM(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg decode audio: %w\n%s", ports.ErrDetector, err, tail(stderr.Bytes()))
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: read pcm: %w", ports.ErrDetector, readErr)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no audio samples", ports.ErrDetector)
	}
	return samples, nil
}

func decodePCM(r io.Reader) ([]int16, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		out []int16
		buf [2]byte
	)
	for {
		_, err := io.ReadFull(br, buf[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, int16(binary.LittleEndian.Uint16(buf[:])))
	}
}

var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

func parseSceneTimes(out []byte) []float64 {
	seen := make(map[float64]struct{})
	var ts []float64
	for _, m := range ptsTimeRe.FindAllSubmatch(out, -1) {
		v, err := strconv.ParseFloat(string(m[1]), 64)
		if err != nil {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		ts = append(ts, v)
	}
	sort.Float64s(ts)
	return ts
}
