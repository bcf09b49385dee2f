package config

import (
	"errors"
	"fmt"
	"strings"
)

var validModes = map[string]struct{}{
	"video":      {},
	"screenshot": {},
	"auto":       {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateVideo(); err != nil {
		return err
	}
	if err := c.validateAudio(); err != nil {
		return err
	}
	return c.validateBuffer()
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server.base_url must be set")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}
	return nil
}

func (c *Config) validateVideo() error {
	if _, ok := validModes[c.Video.Mode]; !ok {
		return fmt.Errorf("video.mode must be one of video, screenshot, auto; got %q", c.Video.Mode)
	}
	if c.Video.FPS > 60 {
		return fmt.Errorf("video.fps must be at most 60, got %d", c.Video.FPS)
	}
	if c.Video.ChunkDuration < 10 {
		return fmt.Errorf("video.chunk_duration must be at least 10 seconds, got %d", c.Video.ChunkDuration)
	}
	if c.Video.Quality > 51 {
		return fmt.Errorf("video.quality must be a CRF value between 1 and 51, got %d", c.Video.Quality)
	}
	return nil
}

func (c *Config) validateAudio() error {
	if !c.Audio.Enabled {
		return nil
	}
	if c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate out of range: %d", c.Audio.SampleRate)
	}
	return nil
}

func (c *Config) validateBuffer() error {
	if c.Buffer.MaxSizeGiB < 1 {
		return fmt.Errorf("buffer.max_size_gib must be at least 1, got %d", c.Buffer.MaxSizeGiB)
	}
	return nil
}
