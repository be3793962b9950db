package event

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"creditflow/internal/apperr"
	"creditflow/internal/config"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const CurrentSchemaVersion = 1

// Descriptor 把类型标签绑定到事件构造函数和目标主题
type Descriptor struct {
	Type          Type
	Topic         string
	SchemaVersion int
	New           func() Event
}

// Encoded 已编码、可以写入发件箱的事件
type Encoded struct {
	Descriptor
	EventID string
	Key     string
	Payload []byte
}

// Registry 事件注册表，启动时构建一次
// 注册冲突在启动阶段报错，不会拖到处理消息时才暴露
type Registry struct {
	byType   map[Type]Descriptor
	byTopic  map[string]Type
	validate *validator.Validate
	now      func() time.Time
}

// NewValidator 返回能校验 decimal.Decimal 字段的校验器
func NewValidator() *validator.Validate {
	v := validator.New()
	RegisterDecimal(v)
	return v
}

// RegisterDecimal 让 gt/gte/lte 等数值规则作用于 decimal.Decimal
func RegisterDecimal(v *validator.Validate) {
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byType:   make(map[Type]Descriptor, len(descs)),
		byTopic:  make(map[string]Type, len(descs)),
		validate: NewValidator(),
		now:      time.Now,
	}
	for _, d := range descs {
		if d.Type == "" {
			return nil, errors.New("事件注册: 类型标签为空")
		}
		if d.Topic == "" {
			return nil, fmt.Errorf("事件注册: %s 未配置主题", d.Type)
		}
		if d.New == nil {
			return nil, fmt.Errorf("事件注册: %s 缺少构造函数", d.Type)
		}
		if got := d.New(); got == nil || got.EventType() != d.Type {
			return nil, fmt.Errorf("事件注册: %s 的构造函数返回了其他类型", d.Type)
		}
		if _, dup := r.byType[d.Type]; dup {
			return nil, fmt.Errorf("事件注册: %s 重复注册", d.Type)
		}
		if other, dup := r.byTopic[d.Topic]; dup {
			return nil, fmt.Errorf("事件注册: 主题 %s 同时被 %s 和 %s 使用", d.Topic, other, d.Type)
		}
		if d.SchemaVersion == 0 {
			d.SchemaVersion = CurrentSchemaVersion
		}
		r.byType[d.Type] = d
		r.byTopic[d.Topic] = d.Type
	}
	return r, nil
}

// NewDefaultRegistry 按配置的主题注册流水线的全部事件
func NewDefaultRegistry(topics config.KafkaTopicConfig) (*Registry, error) {
	return NewRegistry(
		Descriptor{Type: TypeApplicationSubmitted, Topic: topics.ApplicationSubmitted, New: func() Event { return &ApplicationSubmitted{} }},
		Descriptor{Type: TypeRiskAssessed, Topic: topics.RiskAssessed, New: func() Event { return &RiskAssessed{} }},
		Descriptor{Type: TypeDecisionMade, Topic: topics.DecisionMade, New: func() Event { return &DecisionMade{} }},
		Descriptor{Type: TypeDeadLetterRecorded, Topic: topics.DeadLetter, New: func() Event { return &DeadLetterRecorded{} }},
	)
}

func (r *Registry) Lookup(t Type) (Descriptor, error) {
	d, ok := r.byType[t]
	if !ok {
		return Descriptor{}, apperr.Validation("event.Lookup", fmt.Errorf("未知的事件类型 %q", t))
	}
	return d, nil
}

func (r *Registry) TypeForTopic(topic string) (Type, bool) {
	t, ok := r.byTopic[topic]
	return t, ok
}

func (r *Registry) Topic(t Type) string {
	return r.byType[t].Topic
}

// Validate 补齐时间戳后校验字段
func (r *Registry) Validate(evt Event) error {
	if evt == nil {
		return apperr.Validation("event.Validate", errors.New("事件为空"))
	}
	evt.stampIfZero(r.now())
	if err := r.validate.Struct(evt); err != nil {
		return apperr.Validation("event.Validate", fmt.Errorf("%s: %w", evt.EventType(), err))
	}
	return nil
}

func (r *Registry) Encode(evt Event) (*Encoded, error) {
	if evt == nil {
		return nil, apperr.Validation("event.Encode", errors.New("事件为空"))
	}
	d, err := r.Lookup(evt.EventType())
	if err != nil {
		return nil, err
	}
	if err := r.Validate(evt); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, apperr.Validation("event.Encode", err)
	}
	return &Encoded{
		Descriptor: d,
		EventID:    evt.EventID(),
		Key:        evt.PartitionKey(),
		Payload:    payload,
	}, nil
}

// Decode 按类型标签解析消息体
// 格式错误统一返回校验错误，调用方在写库之前就能拒绝
func (r *Registry) Decode(t Type, payload []byte) (Event, error) {
	d, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	evt := d.New()
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, apperr.Validation("event.Decode", fmt.Errorf("%s: %w", t, err))
	}
	if err := r.Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}
