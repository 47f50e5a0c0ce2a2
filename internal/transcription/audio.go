package transcription

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// supportedFormats lists the upload extensions ffmpeg is expected to decode
var supportedFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma", ".mp4", ".mkv", ".mov"}

// CutWindow extracts [start, start+length) seconds of inputPath as a 16kHz
// mono WAV file in dir and returns its path
func CutWindow(ctx context.Context, ffmpeg, inputPath, dir string, start, length float64) (string, error) {
	outputPath := filepath.Join(dir, fmt.Sprintf("window_%s.wav", uuid.New().String()))

	cmd := exec.CommandContext(ctx, ffmpeg, cutArgs(inputPath, outputPath, start, length)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}
	return outputPath, nil
}

func cutArgs(inputPath, outputPath string, start, length float64) []string {
	return []string{
		"-ss", formatSeconds(start),
		"-t", formatSeconds(length),
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
