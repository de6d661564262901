package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	saleerrors "tokensale/internal/errors"
	"tokensale/internal/retry"
)

// Message 一封待发送的邮件
type Message struct {
	To      string
	Subject string
	Text    string
}

// Mailer 邮件发送接口。返回服务商的投递标识。
type Mailer interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
	FailedMessageIDs(ctx context.Context, since time.Time) (map[string]bool, error)
}

// MailgunSender mailgun HTTP API客户端。发送带重试：失败后隔20秒再试一次。
type MailgunSender struct {
	baseURL string
	domain  string
	apiKey  string
	from    string
	client  *http.Client
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewMailgunSender 创建mailgun客户端
func NewMailgunSender(baseURL, domain, apiKey, from string, timeout time.Duration, logger *logrus.Logger) *MailgunSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MailgunSender{
		baseURL: baseURL,
		domain:  domain,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		retrier: retry.NewRetrier(retry.MailRetryConfig, logger),
		logger:  logger,
	}
}

type mailgunSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send 发送邮件并返回mailgun的message-id
func (m *MailgunSender) Send(ctx context.Context, msg Message) (string, error) {
	var messageID string
	err := m.retrier.Execute(ctx, "发送邮件", func() error {
		id, err := m.sendOnce(ctx, msg)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		return "", saleerrors.ErrMailSendFailed.WithCause(err).WithContext("to", msg.To)
	}
	return messageID, nil
}

func (m *MailgunSender) sendOnce(ctx context.Context, msg Message) (string, error) {
	form := url.Values{}
	form.Set("from", m.from)
	form.Set("to", msg.To)
	form.Set("subject", msg.Subject)
	form.Set("text", msg.Text)

	endpoint := fmt.Sprintf("%s/v3/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", saleerrors.NewNetworkError(fmt.Sprintf("构造请求失败: %v", err), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", saleerrors.NewNetworkError(fmt.Sprintf("请求邮件服务失败: %v", err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", saleerrors.NewNetworkError(fmt.Sprintf("读取响应失败: %v", err), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", saleerrors.NewMailError(
			fmt.Sprintf("邮件服务返回异常状态码: %d", resp.StatusCode), nil)
	}

	var parsed mailgunSendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", saleerrors.NewSerializationError(fmt.Sprintf("解析发送响应失败: %v", err), err)
	}
	if parsed.ID == "" {
		return "", saleerrors.NewMailError("发送响应缺少message-id", nil)
	}
	return strings.Trim(parsed.ID, "<>"), nil
}

type mailgunEventsResponse struct {
	Items []struct {
		Message struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
	} `json:"items"`
}

// FailedMessageIDs 拉取指定时间之后投递失败的message-id集合
func (m *MailgunSender) FailedMessageIDs(ctx context.Context, since time.Time) (map[string]bool, error) {
	q := url.Values{}
	q.Set("event", "failed")
	q.Set("begin", fmt.Sprintf("%d", since.Unix()))
	q.Set("ascending", "yes")

	endpoint := fmt.Sprintf("%s/v3/%s/events?%s", m.baseURL, m.domain, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, saleerrors.NewNetworkError(fmt.Sprintf("构造请求失败: %v", err), err)
	}
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, saleerrors.NewNetworkError(fmt.Sprintf("请求投递事件失败: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, saleerrors.NewMailError(
			fmt.Sprintf("投递事件接口返回异常状态码: %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, saleerrors.NewNetworkError(fmt.Sprintf("读取响应失败: %v", err), err)
	}

	var parsed mailgunEventsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, saleerrors.NewSerializationError(fmt.Sprintf("解析事件响应失败: %v", err), err)
	}

	failed := make(map[string]bool, len(parsed.Items))
	for _, item := range parsed.Items {
		if id := item.Message.Headers.MessageID; id != "" {
			failed[id] = true
		}
	}
	return failed, nil
}
