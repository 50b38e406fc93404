// Package mqtt 把站点事件转发到 MQTT broker
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/phstat/internal/config"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/events"
	"github.com/wfunc/phstat/internal/logger"
	"go.uber.org/zap"
)

// Client paho 客户端中用到的部分
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher 事件发布器
type Publisher struct {
	client   Client
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
	logger   *zap.Logger
}

// New 根据配置创建 paho 客户端
func New(cfg config.MQTTConfig) *Publisher {
	log := logger.Module("mqtt")
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(paho.Client) {
			log.Info("MQTT 已连接", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("MQTT 连接断开", zap.Error(err))
		})
	return NewWithClient(paho.NewClient(opts), cfg)
}

// NewWithClient 使用已有客户端
func NewWithClient(client Client, cfg config.MQTTConfig) *Publisher {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		client:   client,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  timeout,
		logger:   logger.Module("mqtt"),
	}
}

// Connect 连接 broker
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return apperrors.New(apperrors.ErrMQTTConnect, "连接超时")
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTConnect)
	}
	return nil
}

// Topic 事件主题 <prefix>/<type>
func (p *Publisher) Topic(t events.Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return fmt.Sprintf("%s/%s", p.prefix, t)
}

// Payload 事件负载
func Payload(e events.Event) ([]byte, error) {
	return events.Encode(e)
}

// Publish 发布单个事件
func (p *Publisher) Publish(e events.Event) error {
	payload, err := Payload(e)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(e.Type), p.qos, p.retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return apperrors.New(apperrors.ErrMQTTPublish, "发布超时")
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTPublish)
	}
	return nil
}

// Run 消费事件流直到 ctx 取消或通道关闭
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !p.client.IsConnected() {
				continue
			}
			if err := p.Publish(e); err != nil {
				p.logger.Warn("发布事件失败", zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}
}

// Close 断开连接
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
