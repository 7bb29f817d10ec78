// Package push sends notifications to devices that have no live connection.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type Sender interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
}

type Notification struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type ticket struct {
	Data struct {
		Status  string `json:"status"`
		Id      string `json:"id"`
		Message string `json:"message"`
	} `json:"data"`
}

// HTTPSender posts notifications in the Expo push format to an HTTP
// endpoint.
type HTTPSender struct {
	endpoint string
	client   *resty.Client
}

func NewHTTPSender(endpoint, accessToken string) *HTTPSender {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	if accessToken != "" {
		client.SetAuthToken(accessToken)
	}

	return &HTTPSender{endpoint: endpoint, client: client}
}

func (s *HTTPSender) SendPush(ctx context.Context, token, title, body string, data map[string]string) error {
	var result ticket
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(Notification{
			To:    token,
			Title: title,
			Body:  body,
			Data:  data,
			Sound: "default",
		}).
		SetResult(&result).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send push: endpoint returned %s", resp.Status())
	}
	if result.Data.Status == "error" {
		return errors.New("send push: " + result.Data.Message)
	}

	return nil
}

// LogSender only logs notifications. It is used when no push endpoint is
// configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendPush(_ context.Context, token, title, body string, data map[string]string) error {
	s.log.Info("push notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("data", data),
		zap.Int("token_len", len(token)),
	)
	return nil
}
