// Package protocol 定义了 WebSocket 会话协议的帧类型、错误码与关闭码
package protocol

// FrameType 是 JSON 帧的 "type" 判别字段
type FrameType string

// 客户端 -> 服务端
const (
	Pong          FrameType = "pong"           // 心跳响应
	GetRateLimit  FrameType = "get_rate_limit" // 查询限流状态
	Query         FrameType = "query"          // 业务请求，受限流约束
	AvailableData FrameType = "available_data" // request_available_data 的回复
	APIResult     FrameType = "api_result"     // request_api 的回复
	HumanResponse FrameType = "human_response" // clarification_request 的回复
)

// 服务端 -> 客户端
const (
	Connected            FrameType = "connected"
	Ping                 FrameType = "ping"
	RateLimitStatus      FrameType = "rate_limit_status"
	Response             FrameType = "response"
	Error                FrameType = "error"
	RequestAvailableData FrameType = "request_available_data"
	RequestAPI           FrameType = "request_api"
	ClarificationRequest FrameType = "clarification_request"
)

// Kind 按消费组件对入站帧类型分组
type Kind int

const (
	KindUnknown Kind = iota
	KindLiveness
	KindControl
	KindCorrelationReply
	KindApplication
)

var inboundKinds = map[FrameType]Kind{
	Pong:          KindLiveness,
	GetRateLimit:  KindControl,
	AvailableData: KindCorrelationReply,
	APIResult:     KindCorrelationReply,
	HumanResponse: KindCorrelationReply,
	Query:         KindApplication,
}

// Classify 返回入站帧类型的分发方式
func Classify(t FrameType) Kind {
	return inboundKinds[t]
}

// "error" 帧携带的错误码
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeBusy           = "BUSY"
	CodeInternal       = "INTERNAL_ERROR"
)

// WebSocket 关闭码
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	ClosePolicyViolation    = 1008 // 缺少 principal
	CloseInternalError      = 1011
	CloseAuthFailed         = 4001
	CloseSuperseded         = 4002 // 同一用户的新连接
	CloseHeartbeatExhausted = 4003
)

const (
	ReasonNoPrincipal = "Authentication required"
	ReasonAuthFailed  = "Authentication failed"
	ReasonSuperseded  = "New connection from same user"
	ReasonShutdown    = "Server shutting down"
	ReasonInternal    = "Internal error"
)
