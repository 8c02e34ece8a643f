package broker

import (
	"fmt"

	"github.com/mattjoyce/procpool/internal/config"
)

// SettingFromConfig builds the concrete Setting for the configured broker
// type. A memory broker is created when type is memory and mem is nil.
func SettingFromConfig(b config.BrokerConfig, mem *MemoryBroker) (Setting, error) {
	var s Setting
	switch b.Type {
	case KindMemory:
		if mem == nil {
			mem = NewMemoryBroker()
		}
		s = MemorySetting{Broker: mem, Queue: b.Queue, Prefetch: b.Prefetch}
	case KindAMQP:
		s = AMQPSetting{
			Host:               b.Host,
			Port:               b.Port,
			Username:           b.Username,
			Password:           b.Password,
			VHost:              b.VHost,
			Queue:              b.Queue,
			Prefetch:           b.Prefetch,
			Durable:            b.Durable,
			DeclareReplyQueues: true,
		}
	case KindRedis:
		s = RedisSetting{
			Host:      b.Host,
			Port:      b.Port,
			Username:  b.Username,
			Password:  b.Password,
			DB:        b.Redis.DB,
			Group:     b.Redis.Group,
			Queue:     b.Queue,
			Prefetch:  b.Prefetch,
			ClaimIdle: b.Redis.ClaimIdle,
		}
	case KindKafka:
		switch b.Kafka.KeyType {
		case "", "string":
			s = kafkaSetting[string](b)
		case "int64":
			s = kafkaSetting[int64](b)
		case "int32":
			s = kafkaSetting[int32](b)
		default:
			return nil, fmt.Errorf("kafka broker: unsupported key type %q", b.Kafka.KeyType)
		}
	default:
		return nil, fmt.Errorf("unknown broker type %q", b.Type)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func kafkaSetting[K KeyType](b config.BrokerConfig) KafkaSetting[K] {
	return KafkaSetting[K]{
		Brokers:     b.Brokers,
		Host:        b.Host,
		Port:        b.Port,
		Username:    b.Username,
		Password:    b.Password,
		GroupID:     b.Kafka.GroupID,
		Queue:       b.Queue,
		Prefetch:    b.Prefetch,
		KeyEncoding: b.Kafka.KeyEncoding,
	}
}
