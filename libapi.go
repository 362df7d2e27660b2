package flowbus

import (
	runtimepkg "github.com/drblury/flowbus/internal/runtime"
	adapterpkg "github.com/drblury/flowbus/internal/runtime/adapter"
	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	dispatcherpkg "github.com/drblury/flowbus/internal/runtime/dispatcher"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowbus/internal/runtime/handlers"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
	"google.golang.org/protobuf/proto"
)

type (
	Config           = configpkg.Config
	DispatcherPolicy = configpkg.DispatcherPolicy
	Bus              = runtimepkg.Bus
	BusDependencies  = runtimepkg.BusDependencies
	ProtoValidator   = runtimepkg.ProtoValidator
	OutboxStore      = runtimepkg.OutboxStore
	Lifecycle        = runtimepkg.Lifecycle
	SchedulerAware   = runtimepkg.SchedulerAware
	Producer         = runtimepkg.Producer

	// Channels
	MessageChannel  = channelpkg.MessageChannel
	Channel         = channelpkg.Channel
	ChannelRegistry = channelpkg.Registry
	ChannelResolver = channelpkg.Resolver

	// Endpoints
	Endpoint          = endpointpkg.Endpoint
	DefaultEndpoint   = endpointpkg.DefaultEndpoint
	EndpointOption    = endpointpkg.Option
	Subscription      = endpointpkg.Subscription
	ConcurrencyPolicy = endpointpkg.ConcurrencyPolicy
	PooledHandler     = endpointpkg.PooledHandler

	// Scheduling
	Dispatcher       = dispatcherpkg.Dispatcher
	TaskScheduler    = schedulerpkg.TaskScheduler
	ScheduledTask    = schedulerpkg.ScheduledTask
	Task             = schedulerpkg.Task
	Schedule         = schedulerpkg.Schedule
	PollingSchedule  = schedulerpkg.PollingSchedule
	CronSchedule     = schedulerpkg.CronSchedule
	ErrorHandler     = schedulerpkg.ErrorHandler
	ErrorHandlerFunc = schedulerpkg.ErrorHandlerFunc

	MessageHandlerRegistration                = runtimepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any]     = handlerpkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]                 = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]                  = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]          = handlerpkg.JSONMessageHandler[T, O]
	ProtoHandlerRegistration[T proto.Message] = handlerpkg.ProtoHandlerRegistration[T]
	ProtoHandlerOption                        = handlerpkg.ProtoHandlerOption
	ProtoMessageContext[T proto.Message]      = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                        = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message]      = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                        = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// Source adapters
	SubscriberSource = adapterpkg.SubscriberSource
	PollingSource    = adapterpkg.PollingSource
	PollFunc         = adapterpkg.PollFunc
	AdapterOption    = adapterpkg.Option

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = runtimepkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError
	ConfigurationError      = errspkg.ConfigurationError
	MessagingError          = errspkg.MessagingError
	DeliveryError           = errspkg.DeliveryError
	RejectedError           = errspkg.RejectedError

	// Stats and monitoring
	EndpointInfo    = runtimepkg.EndpointInfo
	EndpointStats   = runtimepkg.EndpointStats
	ChannelInfo     = runtimepkg.ChannelInfo
	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	ChannelMetrics  = runtimepkg.ChannelMetrics

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewBus         = runtimepkg.NewBus
	MustNewBus     = runtimepkg.MustNewBus
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	LoadConfigFile = configpkg.LoadFile

	NewChannel          = channelpkg.NewChannel
	NewUnboundedChannel = channelpkg.NewUnboundedChannel
	NewNamedChannel     = channelpkg.NewNamedChannel
	NewEndpoint         = endpointpkg.New
	NewPooledHandler    = endpointpkg.NewPooledHandler
	WithConcurrency     = endpointpkg.WithConcurrency
	WithDefaultOutput   = endpointpkg.WithDefaultOutput
	WithEndpointTimeout = endpointpkg.WithSendTimeout
	WithMiddleware      = endpointpkg.WithMiddleware

	NewTaskScheduler  = schedulerpkg.New
	ParseCron         = schedulerpkg.ParseCron
	MustParseCron     = schedulerpkg.MustParseCron
	Once              = schedulerpkg.Once
	FailedMessage     = errspkg.FailedMessage
	BuildErrorMessage = schedulerpkg.BuildErrorMessage

	RegisterMessageHandler  = runtimepkg.RegisterMessageHandler
	WithPublishMessageTypes = handlerpkg.WithPublishMessageTypes
	NewMessageFromProto     = runtimepkg.NewMessageFromProto
	NewMessageFromJSON      = runtimepkg.NewMessageFromJSON

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	ProtoValidateMiddleware = runtimepkg.ProtoValidateMiddleware
	OutboxMiddleware        = runtimepkg.OutboxMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Delivery lifecycle hooks
	DeliveryHooksMiddleware = runtimepkg.DeliveryHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	NewMetrics = runtimepkg.NewMetrics

	// Source adapters
	NewSubscriberSource = adapterpkg.NewSubscriberSource
	NewPollingSource    = adapterpkg.NewPollingSource
	PublisherHandler    = adapterpkg.PublisherHandler
	WithSendTimeout     = adapterpkg.WithSendTimeout
	WithNackDelay       = adapterpkg.WithNackDelay
	WithAdapterLogger   = adapterpkg.WithLogger

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrBusRequired                 = errspkg.ErrBusRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrEndpointRequired            = errspkg.ErrEndpointRequired
	ErrEndpointNameRequired        = errspkg.ErrEndpointNameRequired
	ErrDuplicateEndpoint           = errspkg.ErrDuplicateEndpoint
	ErrChannelRequired             = errspkg.ErrChannelRequired
	ErrChannelNameRequired         = errspkg.ErrChannelNameRequired
	ErrSubscriptionChannelRequired = errspkg.ErrSubscriptionChannelRequired
	ErrUnknownChannel              = errspkg.ErrUnknownChannel
	ErrAdapterRequired             = errspkg.ErrAdapterRequired
	ErrMessageRejected             = errspkg.ErrMessageRejected
	ErrNoOutputChannel             = errspkg.ErrNoOutputChannel
	ErrSendTimeout                 = errspkg.ErrSendTimeout
	ErrNilMessage                  = errspkg.ErrNilMessage
	ErrSchedulerNotRunning         = errspkg.ErrSchedulerNotRunning
	ErrTaskRequired                = errspkg.ErrTaskRequired
	ErrInvalidConcurrencyPolicy    = errspkg.ErrInvalidConcurrencyPolicy
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired        = errspkg.ErrEventPayloadRequired
	ErrSubscriberRequired          = errspkg.ErrSubscriberRequired
	ErrPublisherRequired           = errspkg.ErrPublisherRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrSchedulerRequired           = errspkg.ErrSchedulerRequired
	ErrPollFuncRequired            = errspkg.ErrPollFuncRequired
	ErrMessageFactoryRequired      = errspkg.ErrMessageFactoryRequired
	ErrUndecodablePayload          = errspkg.ErrUndecodablePayload
	ErrEmptyOutput                 = errspkg.ErrEmptyOutput

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewMessage = idspkg.NewMessage
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyMessageType   = metadatapkg.KeyMessageType
	MetadataKeyReplyChannel  = metadatapkg.KeyReplyChannel
	MetadataKeyEnqueuedAt    = metadatapkg.KeyEnqueuedAt
	MetadataKeyChannel       = metadatapkg.KeyChannel
	MetadataKeyEndpoint      = metadatapkg.KeyEndpoint
	MetadataKeyTraceID       = metadatapkg.KeyTraceID
	MetadataKeySpanID        = metadatapkg.KeySpanID

	// Set on error messages in the invalid-message channel.
	MetadataKeyError         = metadatapkg.KeyError
	MetadataKeyFailureKind   = metadatapkg.KeyFailureKind
	MetadataKeyOriginChannel = metadatapkg.KeyOriginChannel
	MetadataKeyAttempts      = metadatapkg.KeyAttempts
	MetadataKeyOriginalUUID  = metadatapkg.KeyOriginalUUID
	MetadataKeyFailedAt      = metadatapkg.KeyFailedAt
)

// Failure kinds found under MetadataKeyFailureKind.
const (
	FailureKindDelivery = schedulerpkg.FailureKindDelivery
	FailureKindRejected = schedulerpkg.FailureKindRejected
	FailureKindTask     = schedulerpkg.FailureKindTask
)

// Channel timeouts and names.
const (
	NoWait                    = channelpkg.NoWait
	WaitForever               = channelpkg.WaitForever
	InvalidMessageChannelName = channelpkg.InvalidMessageChannelName
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryRouting    = runtimepkg.ErrorCategoryRouting
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any, O any](bus *Bus, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(bus, cfg)
}

func RegisterProtoHandler[T proto.Message](bus *Bus, cfg ProtoHandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(bus, cfg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

// WithReplyChannel returns Metadata that sends the handler output for this
// message to channel instead of the endpoint's default output.
func WithReplyChannel(channel string) Metadata {
	return Metadata{MetadataKeyReplyChannel: channel}
}
