package httpclient

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/streamdeck/core/models"
)

// LaunchVerb distinguishes a fresh app launch from resuming an existing
// session (§4.2 start-app).
type LaunchVerb string

const (
	VerbLaunch LaunchVerb = "launch"
	VerbResume LaunchVerb = "resume"
)

// StreamConfig carries the negotiated values start-app sends to the host.
type StreamConfig struct {
	Width         int
	Height        int
	FPS           int
	Bitrate       int
	PacketSize    int
	AudioChannels int
	Encrypted     bool
	Codec         models.CodecFlag
}

// StartApp asks the host to launch or resume appID and returns the RTSP
// session URL the host replies with.
func (c *Client) StartApp(ctx context.Context, verb LaunchVerb, appID int, cfg StreamConfig, sops, localAudio bool, gamepadMask int, persistGamepadsOnDisconnect bool) (string, error) {
	args := url.Values{
		"appid":          {strconv.Itoa(appID)},
		"mode":           {fmt.Sprintf("%dx%dx%d", cfg.Width, cfg.Height, cfg.FPS)},
		"additionalStates": {"1"},
		"sops":           {boolToDigit(sops)},
		"rikey":          {"0"},
		"rikeyid":        {"0"},
		"localAudioPlayMode": {boolToDigit(localAudio)},
		"surroundAudioInfo": {strconv.Itoa(cfg.AudioChannels)},
		"remoteControllersBitmap": {strconv.Itoa(gamepadMask)},
		"gcmap":          {strconv.Itoa(gamepadMask)},
		"gcPersist":      {boolToDigit(persistGamepadsOnDisconnect)},
	}

	body, err := c.openHTTPS(ctx, string(verb), args, 10*time.Second)
	if err != nil {
		return "", err
	}

	r, err := parseRoot([]byte(body))
	if err != nil {
		return "", err
	}

	sessionURL, ok := leafText(r, "sessionUrl0")
	if !ok {
		return "", &HostProtocolError{StatusCode: r.StatusCode, Message: "host did not return an RTSP session URL"}
	}

	return sessionURL, nil
}

// QuitApp asks the host to terminate the running application.
func (c *Client) QuitApp(ctx context.Context) error {
	_, err := c.openHTTPS(ctx, "cancel", nil, DefaultTimeout)
	return err
}

type appListResponse struct {
	XMLName xml.Name   `xml:"root"`
	Apps    []appEntry `xml:"App"`
}

type appEntry struct {
	ID          int    `xml:"ID"`
	AppTitle    string `xml:"AppTitle"`
	IsHdrSupported int `xml:"IsHdrSupported"`
}

// AppList returns the host's cached application list.
func (c *Client) AppList(ctx context.Context) ([]models.App, error) {
	body, err := c.openHTTPS(ctx, "applist", nil, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var parsed appListResponse
	if err := xml.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("httpclient: decode app list: %w", err)
	}

	out := make([]models.App, 0, len(parsed.Apps))
	for _, entry := range parsed.Apps {
		out = append(out, models.App{
			ID:             entry.ID,
			Name:           entry.AppTitle,
			BoxArtURL:      c.boxArtURL(entry.ID),
			IsHDRSupported: entry.IsHdrSupported != 0,
		})
	}
	return out, nil
}

func (c *Client) boxArtURL(appID int) string {
	return fmt.Sprintf("https://%s/appasset?appid=%d&AssetType=2&AssetIdx=0", c.Address(), appID)
}

// BoxArt fetches the raw box-art image bytes for appID. The response is
// a binary JPEG/PNG payload, not an XML <root> envelope, so this bypasses
// openHTTPS's XML parsing and reads the body directly.
func (c *Client) BoxArt(ctx context.Context, appID int) ([]byte, error) {
	args := url.Values{
		"appid":     {strconv.Itoa(appID)},
		"AssetType": {"2"},
		"AssetIdx":  {"0"},
	}
	return c.openHTTPSRaw(ctx, "appasset", args, DefaultTimeout)
}

func boolToDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
