package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/config"
)

func TestSettingFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.BrokerConfig
		wantKind string
		check    func(t *testing.T, s Setting)
		wantErr  bool
	}{
		{
			name:     "memory",
			cfg:      config.BrokerConfig{Type: "memory", Prefetch: 3},
			wantKind: KindMemory,
			check: func(t *testing.T, s Setting) {
				ms := s.(MemorySetting)
				assert.NotNil(t, ms.Broker)
				assert.Equal(t, 3, ms.PrefetchLimit())
			},
		},
		{
			name:     "amqp",
			cfg:      config.BrokerConfig{Type: "amqp", Host: "rabbit", Port: 5672, Username: "u", Password: "p", VHost: "/jobs", Queue: "q"},
			wantKind: KindAMQP,
			check: func(t *testing.T, s Setting) {
				as := s.(AMQPSetting)
				assert.Equal(t, "amqp://u:p@rabbit:5672/", as.URL())
				assert.Equal(t, "q", as.QueueName())
			},
		},
		{
			name:     "redis",
			cfg:      config.BrokerConfig{Type: "redis", Host: "redis", Redis: config.RedisConfig{DB: 2, Group: "workers"}},
			wantKind: KindRedis,
			check: func(t *testing.T, s Setting) {
				rs := s.(RedisSetting)
				assert.Equal(t, "redis:6379", rs.addr())
				assert.Equal(t, "workers", rs.group())
			},
		},
		{
			name:     "kafka int32 keys",
			cfg:      config.BrokerConfig{Type: "kafka", Host: "kafka", Kafka: config.KafkaConfig{GroupID: "g", KeyType: "int32"}},
			wantKind: KindKafka,
			check: func(t *testing.T, s Setting) {
				_, ok := s.(KafkaSetting[int32])
				assert.True(t, ok, "got %T", s)
				_, ok = s.(KeyedSetting)
				assert.True(t, ok)
			},
		},
		{
			name:     "kafka default string keys",
			cfg:      config.BrokerConfig{Type: "kafka", Host: "kafka", Kafka: config.KafkaConfig{GroupID: "g"}},
			wantKind: KindKafka,
			check: func(t *testing.T, s Setting) {
				_, ok := s.(KafkaSetting[string])
				assert.True(t, ok, "got %T", s)
			},
		},
		{
			name:     "kafka binary int64 keys",
			cfg:      config.BrokerConfig{Type: "kafka", Host: "kafka", Kafka: config.KafkaConfig{GroupID: "g", KeyType: "int64", KeyEncoding: "binary"}},
			wantKind: KindKafka,
			check: func(t *testing.T, s Setting) {
				ks, ok := s.(KafkaSetting[int64])
				require.True(t, ok, "got %T", s)
				assert.Equal(t, KeyEncodingBinary, ks.KeyEncoding)
			},
		},
		{
			name:    "kafka bad key encoding",
			cfg:     config.BrokerConfig{Type: "kafka", Host: "kafka", Kafka: config.KafkaConfig{GroupID: "g", KeyType: "int64", KeyEncoding: "hex"}},
			wantErr: true,
		},
		{
			name:    "kafka bad key type",
			cfg:     config.BrokerConfig{Type: "kafka", Host: "kafka", Kafka: config.KafkaConfig{GroupID: "g", KeyType: "uuid"}},
			wantErr: true,
		},
		{
			name:    "amqp without host",
			cfg:     config.BrokerConfig{Type: "amqp"},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     config.BrokerConfig{Type: "nats"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := SettingFromConfig(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, s.Kind())
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestSettingFromConfigReusesMemoryBroker(t *testing.T) {
	mem := NewMemoryBroker()
	s, err := SettingFromConfig(config.BrokerConfig{Type: "memory"}, mem)
	require.NoError(t, err)
	assert.Same(t, mem, s.(MemorySetting).Broker)
}

func TestHeaderConversions(t *testing.T) {
	assert.Nil(t, headersFromTable(nil))
	got := headersFromTable(map[string]interface{}{"s": "x", "b": []byte("y"), "n": int32(3)})
	assert.Equal(t, map[string]string{"s": "x", "b": "y", "n": "3"}, got)

	values := streamValues("payload", "c1", map[string]string{"remaining": "2"})
	payload, corr, headers, redelivered := parseStreamValues(values)
	assert.Equal(t, "payload", payload)
	assert.Equal(t, "c1", corr)
	assert.Equal(t, map[string]string{"remaining": "2"}, headers)
	assert.False(t, redelivered)

	values[redisFieldRedeliv] = "1"
	_, _, _, redelivered = parseStreamValues(values)
	assert.True(t, redelivered)
}
