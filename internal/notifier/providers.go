package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
	"unicode/utf8"

	"guardlink-ingest/internal/models"

	"github.com/go-resty/resty/v2"
)

// ErrChannelUnconfigured 渠道缺少 provider 配置（网关地址/凭据）
// 未配置渠道产生一条失败结果，不抛异常
var ErrChannelUnconfigured = errors.New("notification channel not configured")

// smsBodyLimit SMS 网关的单条正文上限（字节）
const smsBodyLimit = 160

// truncateSMSBody 截断到上限，回退到 rune 边界避免切出非法 UTF-8
func truncateSMSBody(body string) string {
	if len(body) <= smsBodyLimit {
		return body
	}
	cut := smsBodyLimit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// SMSProvider 短信网关（HTTP API）
type SMSProvider struct {
	GatewayURL string
	APIKey     string
	From       string
	client     *resty.Client
}

// NewSMSProvider 创建短信 provider
func NewSMSProvider(gatewayURL, apiKey, from string, timeout time.Duration) *SMSProvider {
	return &SMSProvider{
		GatewayURL: gatewayURL,
		APIKey:     apiKey,
		From:       from,
		client:     resty.New().SetTimeout(timeout),
	}
}

// Configured 是否已配置
func (p *SMSProvider) Configured() bool {
	return p.GatewayURL != ""
}

// Send 发送短信（正文超限自动截断）
func (p *SMSProvider) Send(ctx context.Context, phone string, alert *models.DeviceAlert) error {
	if !p.Configured() {
		return ErrChannelUnconfigured
	}

	body := truncateSMSBody(fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.AlertType, alert.Message))

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.APIKey).
		SetBody(map[string]string{
			"from": p.From,
			"to":   phone,
			"body": body,
		}).
		Post(p.GatewayURL)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode())
	}

	return nil
}

// EmailProvider SMTP 邮件
type EmailProvider struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// NewEmailProvider 创建邮件 provider
func NewEmailProvider(host string, port int, username, password, from string, timeout time.Duration) *EmailProvider {
	return &EmailProvider{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Timeout:  timeout,
	}
}

// Configured 是否已配置
func (p *EmailProvider) Configured() bool {
	return p.Host != "" && p.From != ""
}

// Send 发送报警邮件（带连接超时的 SMTP 会话）
func (p *EmailProvider) Send(ctx context.Context, recipient string, alert *models.DeviceAlert) error {
	if !p.Configured() {
		return ErrChannelUnconfigured
	}

	subject := fmt.Sprintf("[%s] %s alert from %s", alert.Severity, alert.AlertType, alert.SourceID)
	body := alert.Message
	if alert.Location != nil {
		body += fmt.Sprintf("\nLocation: %.6f, %.6f", alert.Location.Latitude, alert.Location.Longitude)
	}
	body += fmt.Sprintf("\nTriggered at: %s", alert.TriggeredAt.Format(time.RFC3339))

	msg := []byte("From: " + p.From + "\r\n" +
		"To: " + recipient + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		body + "\r\n")

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	conn, err := net.DialTimeout("tcp", addr, p.Timeout)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	// 读写都受同一截止时间约束，SMTP 会话不会无限阻塞
	_ = conn.SetDeadline(time.Now().Add(p.Timeout))

	client, err := smtp.NewClient(conn, p.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if p.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", p.Username, p.Password, p.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth failed: %w", err)
			}
		}
	}

	if err := client.Mail(p.From); err != nil {
		return fmt.Errorf("smtp MAIL failed: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp RCPT failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close failed: %w", err)
	}

	return client.Quit()
}

// PushProvider 推送网关（HTTP API）
type PushProvider struct {
	GatewayURL string
	APIKey     string
	client     *resty.Client
}

// NewPushProvider 创建推送 provider
func NewPushProvider(gatewayURL, apiKey string, timeout time.Duration) *PushProvider {
	return &PushProvider{
		GatewayURL: gatewayURL,
		APIKey:     apiKey,
		client:     resty.New().SetTimeout(timeout),
	}
}

// Configured 是否已配置
func (p *PushProvider) Configured() bool {
	return p.GatewayURL != ""
}

// Send 发送推送通知
func (p *PushProvider) Send(ctx context.Context, token string, alert *models.DeviceAlert) error {
	if !p.Configured() {
		return ErrChannelUnconfigured
	}

	priority := "normal"
	if alert.Severity == models.SeverityCritical || alert.Severity == models.SeverityHigh {
		priority = "high"
	}

	payload := map[string]interface{}{
		"token":    token,
		"title":    fmt.Sprintf("%s alert", alert.AlertType),
		"body":     alert.Message,
		"priority": priority,
		"data": map[string]string{
			"alert_id":  alert.AlertID,
			"severity":  string(alert.Severity),
			"source_id": alert.SourceID,
		},
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.APIKey).
		SetBody(payload).
		Post(p.GatewayURL)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode())
	}

	return nil
}
