package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var ErrMalformedFrame = errors.New("malformed frame")

// ErrorBody 是客户端在关联回复中可选附带的错误对象
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound 是解码后的客户端帧，Raw 保留原始字节，关联回复原样交给等待方
type Inbound struct {
	Type      FrameType  `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Query     string     `json:"query,omitempty"`
	DataTypes []string   `json:"dataTypes,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode 解析一个文本帧，非 JSON 对象返回 ErrMalformedFrame
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	in.Raw = append(json.RawMessage(nil), data...)
	return &in, nil
}

type PrincipalSummary struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
}

type Settings struct {
	SingleSessionPerUser bool `json:"singleSessionPerUser"`
	ShareRateLimit       bool `json:"shareRateLimit"`
}

type ConnectedFrame struct {
	Type            FrameType        `json:"type"`
	ServerTime      string           `json:"serverTime"`
	User            PrincipalSummary `json:"user"`
	ConnectionID    string           `json:"connectionId"`
	ConnectionCount int              `json:"connectionCount"`
	RateLimit       any              `json:"rateLimit"`
	Settings        Settings         `json:"settings"`
}

func NewConnected(now time.Time, user PrincipalSummary, connID string, count int, rateLimit any, settings Settings) ConnectedFrame {
	return ConnectedFrame{
		Type:            Connected,
		ServerTime:      now.UTC().Format(time.RFC3339Nano),
		User:            user,
		ConnectionID:    connID,
		ConnectionCount: count,
		RateLimit:       rateLimit,
		Settings:        settings,
	}
}

type PingFrame struct {
	Type           FrameType `json:"type"`
	MissedPongs    int       `json:"missedPongs"`
	MaxMissedPongs int       `json:"maxMissedPongs"`
}

func NewPing(missed, maxMissed int) PingFrame {
	return PingFrame{Type: Ping, MissedPongs: missed, MaxMissedPongs: maxMissed}
}

type ErrorFrame struct {
	Type       FrameType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	RequestID  string    `json:"requestId,omitempty"`
	RateLimit  any       `json:"rateLimit,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: Error, Code: code, Message: message}
}

func NewInvalidMessage(t FrameType) ErrorFrame {
	if t == "" {
		return NewError(CodeInvalidMessage, "missing message type")
	}
	return NewError(CodeInvalidMessage, fmt.Sprintf("unknown message type: %s", t))
}

func NewInvalidToken(requestID string) ErrorFrame {
	f := NewError(CodeInvalidToken, "unknown or expired requestId")
	f.RequestID = requestID
	return f
}

func NewRateLimited(rateLimit any, retryAfter int) ErrorFrame {
	f := NewError(CodeRateLimited, fmt.Sprintf("rate limit exceeded, retry in %d seconds", retryAfter))
	f.RateLimit = rateLimit
	f.RetryAfter = retryAfter
	return f
}

type RateLimitStatusFrame struct {
	Type      FrameType `json:"type"`
	RateLimit any       `json:"rateLimit"`
}

func NewRateLimitStatus(rateLimit any) RateLimitStatusFrame {
	return RateLimitStatusFrame{Type: RateLimitStatus, RateLimit: rateLimit}
}

type ResponseFrame struct {
	Type         FrameType `json:"type"`
	Answer       string    `json:"answer"`
	RateLimit    any       `json:"rateLimit,omitempty"`
	ConnectionID string    `json:"connectionId"`
}

// NewRequest 构造服务端发起的请求帧，payload 的键与 type、requestId 并列，后两者优先
func NewRequest(t FrameType, requestID string, payload map[string]any) map[string]any {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["type"] = t
	frame["requestId"] = requestID
	return frame
}

// FormatCloseReason 将关闭原因截断到关闭帧允许的 123 字节，不拆分 UTF-8 字符
func FormatCloseReason(reason string) string {
	const maxReason = 123
	if len(reason) <= maxReason {
		return reason
	}
	reason = reason[:maxReason]
	for !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}
