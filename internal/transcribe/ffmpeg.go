package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// FFmpeg converts audio by running the ffmpeg binary at Path.
type FFmpeg struct {
	Path string
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// ToMP3 converts any audio ffmpeg understands to mono 16kHz MP3, the input speech
// recognition expects.
func (f *FFmpeg) ToMP3(ctx context.Context, audio []byte) ([]byte, error) {
	return f.convert(ctx, audio, ".mp3",
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-b:a", "64k",
	)
}

// ToOggOpus converts audio to OGG/Opus, the only format the network plays as a voice note.
func (f *FFmpeg) ToOggOpus(ctx context.Context, audio []byte) ([]byte, error) {
	return f.convert(ctx, audio, ".ogg",
		"-c:a", "libopus",
		"-b:a", "64k",
		"-ar", "48000",
		"-ac", "1",
		"-application", "voip",
		"-frame_duration", "20",
	)
}

func (f *FFmpeg) convert(ctx context.Context, audio []byte, ext string, args ...string) ([]byte, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio input")
	}
	in, err := os.CreateTemp("", "input-audio-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create input temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(in.Name())
	}()
	if _, err := in.Write(audio); err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("failed to write input temp file: %w", err)
	}
	_ = in.Close()

	out, err := os.CreateTemp("", "output-audio-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create output temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer func() {
		_ = os.Remove(outPath)
	}()

	cmdArgs := append([]string{"-v", "error", "-i", in.Name()}, args...)
	cmdArgs = append(cmdArgs, "-y", outPath)
	cmd := exec.CommandContext(ctx, f.Path, cmdArgs...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w, output: %s", err, string(output))
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted file: %w", err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("converted file is empty")
	}
	return converted, nil
}
