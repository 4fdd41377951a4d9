package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/z-wentao/livecaption/pkg/models"
)

// RabbitMQQueue RabbitMQ 队列实现
// 1. 每个会话一个 auto-delete 队列，会话结束后自动删除
// 2. 通过 QoS prefetchCount 控制同时投递给处理池的数量
// 3. 手动 Ack/Nack
// 片段消息只携带本地文件路径，生产者和消费者必须在同一台机器上
type RabbitMQQueue struct {
	url       string
	queueName string
	prefetch  int
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// 发布消息用的连接和通道
	publishConn          *amqp.Connection
	publishRabbitChannel *amqp.Channel
	publishMutex         sync.Mutex

	// 消费消息用的连接和通道
	consumeConn          *amqp.Connection
	consumeRabbitChannel *amqp.Channel
	deliveriesGoChannel  <-chan amqp.Delivery

	// RabbitMQ Channel 不是并发安全的，多个 Worker 可能同时 Ack/Nack
	ackMutex sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列
func NewRabbitMQQueue(url, queueName string, prefetch int) (*RabbitMQQueue, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	rq := &RabbitMQQueue{
		url:       url,
		queueName: queueName,
		prefetch:  prefetch,
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := rq.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}

	if err := rq.setupConsumer(); err != nil {
		cancel()
		rq.closePublisher()
		return nil, fmt.Errorf("初始化消费者失败: %w", err)
	}

	log.Printf("✓ RabbitMQ 队列初始化成功 (队列: %s)", queueName)

	return rq, nil
}

// setupPublisher 设置发布者连接
func (rq *RabbitMQQueue) setupPublisher() error {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 会话级队列：非持久化，消费者断开后自动删除
	_, err = ch.QueueDeclare(
		rq.queueName, // name
		false,        // durable
		true,         // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("声明队列失败: %w", err)
	}

	rq.publishConn = conn
	rq.publishRabbitChannel = ch
	return nil
}

// setupConsumer 设置消费者连接
func (rq *RabbitMQQueue) setupConsumer() error {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 预取数量 = Worker 数量
	if err := ch.Qos(rq.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		rq.queueName, // queue
		"",           // consumer: 由服务端生成
		false,        // autoAck
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	rq.consumeConn = conn
	rq.consumeRabbitChannel = ch
	rq.deliveriesGoChannel = deliveries

	log.Printf("✓ RabbitMQ 消费者已启动 (prefetchCount=%d)", rq.prefetch)
	return nil
}

// Enqueue 将片段加入队列
func (rq *RabbitMQQueue) Enqueue(seg *models.Segment) error {
	select {
	case <-rq.closed:
		return ErrClosed
	default:
	}

	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("序列化片段失败: %w", err)
	}

	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	ctx, cancel := context.WithTimeout(rq.ctx, 5*time.Second)
	defer cancel()

	err = rq.publishRabbitChannel.PublishWithContext(
		ctx,
		"",           // exchange: 默认 exchange
		rq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	return nil
}

// Dequeue 从队列取出片段（阻塞）
// 所有消费者共享同一个 deliveriesGoChannel，每条消息只会被一个消费者读取
func (rq *RabbitMQQueue) Dequeue(ctx context.Context) (*models.Segment, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rq.closed:
		return nil, ErrClosed
	case delivery, ok := <-rq.deliveriesGoChannel:
		if !ok {
			return nil, ErrClosed
		}

		var seg models.Segment
		if err := json.Unmarshal(delivery.Body, &seg); err != nil {
			// 反序列化失败，拒绝消息（不重新入队）
			rq.nackInternal(delivery.DeliveryTag, false)
			return nil, fmt.Errorf("反序列化片段失败: %w", err)
		}

		seg.DeliveryTag = delivery.DeliveryTag
		seg.RabbitMQDelivery = &delivery

		return &seg, nil
	}
}

// Ack 确认消息
func (rq *RabbitMQQueue) Ack(seg *models.Segment) error {
	if seg.RabbitMQDelivery == nil {
		return nil
	}
	return rq.ackInternal(seg.DeliveryTag)
}

// Nack 拒绝消息
func (rq *RabbitMQQueue) Nack(seg *models.Segment, requeue bool) error {
	if seg.RabbitMQDelivery == nil {
		return nil
	}
	return rq.nackInternal(seg.DeliveryTag, requeue)
}

func (rq *RabbitMQQueue) ackInternal(deliveryTag uint64) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeRabbitChannel.Ack(deliveryTag, false)
}

func (rq *RabbitMQQueue) nackInternal(deliveryTag uint64, requeue bool) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeRabbitChannel.Nack(deliveryTag, false, requeue)
}

// Len 队列中待投递的消息数量，查询失败时返回 -1
func (rq *RabbitMQQueue) Len() int {
	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	q, err := rq.publishRabbitChannel.QueueInspect(rq.queueName)
	if err != nil {
		return -1
	}
	return q.Messages
}

// Close 关闭队列
func (rq *RabbitMQQueue) Close() error {
	rq.closeOnce.Do(func() {
		close(rq.closed)
		rq.cancel()

		if rq.consumeRabbitChannel != nil {
			rq.consumeRabbitChannel.Close()
		}
		if rq.consumeConn != nil {
			rq.consumeConn.Close()
		}

		rq.closePublisher()

		log.Printf("✓ RabbitMQ 队列已关闭 (队列: %s)", rq.queueName)
	})
	return nil
}

func (rq *RabbitMQQueue) closePublisher() {
	if rq.publishRabbitChannel != nil {
		rq.publishRabbitChannel.Close()
	}
	if rq.publishConn != nil {
		rq.publishConn.Close()
	}
}
