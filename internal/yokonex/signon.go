package yokonex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"stim-hub/internal/device"
)

// credentials is what a successful sign-on yields: the broker client id and
// the password-like signature, valid until ExpiresAt.
type credentials struct {
	AppID     string
	Signature string
	ExpiresAt time.Time
}

type signOnRequest struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

type signOnResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		AppID     string `json:"appId"`
		Signature string `json:"signature"`
		ExpireSec int    `json:"expireSec"`
	} `json:"data"`
}

// signOn exchanges the account uid and token for broker credentials.
func signOn(ctx context.Context, httpc *http.Client, authURL, uid, token string) (credentials, error) {
	body, err := json.Marshal(signOnRequest{UID: uid, Token: token})
	if err != nil {
		return credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return credentials{}, fmt.Errorf("sign-on request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return credentials{}, fmt.Errorf("sign-on returned %s: %w", resp.Status, device.ErrRemote)
	}

	var parsed signOnResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return credentials{}, fmt.Errorf("sign-on response: %w", device.ErrProtocolParse)
	}
	if parsed.Code != 0 {
		return credentials{}, fmt.Errorf("sign-on rejected (code %d, %s): %w", parsed.Code, parsed.Msg, device.ErrRemote)
	}
	if parsed.Data.AppID == "" || parsed.Data.Signature == "" {
		return credentials{}, fmt.Errorf("sign-on response missing credentials: %w", device.ErrProtocolParse)
	}
	creds := credentials{AppID: parsed.Data.AppID, Signature: parsed.Data.Signature}
	if parsed.Data.ExpireSec > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(parsed.Data.ExpireSec) * time.Second)
	}
	return creds, nil
}
