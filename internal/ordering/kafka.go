package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaConfig configures a KafkaOrderer.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaOrderer orders proposals through a single-partition Kafka topic. The
// broker's partition log is the total order: every record becomes one block
// whose height is the record offset plus one. Every peer consumes the whole
// partition, so all peers see the same block stream.
type KafkaOrderer struct {
	client *kgo.Client
	topic  string
	out    chan *Block
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	chain  *chain
	logger *zap.Logger
}

// NewKafkaOrderer connects to the brokers and starts consuming at offset
// start.Height, the first offset not yet committed locally.
func NewKafkaOrderer(cfg KafkaConfig, start Start, logger *zap.Logger) (*KafkaOrderer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka orderer needs brokers and a topic")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			cfg.Topic: {0: kgo.NewOffset().At(int64(start.Height))},
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &KafkaOrderer{
		client: client,
		topic:  cfg.Topic,
		out:    make(chan *Block, 64),
		cancel: cancel,
		done:   make(chan struct{}),
		chain:  newChain(start),
		logger: logger,
	}
	go o.consume(ctx)
	return o, nil
}

// Broadcast implements Orderer. It returns once the broker has acknowledged
// the record.
func (o *KafkaOrderer) Broadcast(ctx context.Context, p *Proposal) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	rec := &kgo.Record{Topic: o.topic, Partition: 0, Key: []byte(p.TxID), Value: value}
	if err := o.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return ErrClosed
		}
		return fmt.Errorf("produce proposal %s: %w", p.TxID, err)
	}
	return nil
}

// Blocks implements Orderer.
func (o *KafkaOrderer) Blocks() <-chan *Block { return o.out }

// Close implements Orderer.
func (o *KafkaOrderer) Close() error {
	o.once.Do(func() {
		o.cancel()
		<-o.done
		o.client.Close()
	})
	return nil
}

func (o *KafkaOrderer) consume(ctx context.Context) {
	defer close(o.done)
	defer close(o.out)

	for {
		fetches := o.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			o.logger.Warn("kafka fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		var stopped bool
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			var proposals []*Proposal
			var p Proposal
			if err := json.Unmarshal(r.Value, &p); err != nil {
				// Undecodable records still occupy a height so heights track offsets.
				o.logger.Error("skipping undecodable proposal",
					zap.Int64("offset", r.Offset),
					zap.Error(err),
				)
			} else {
				proposals = []*Proposal{&p}
			}
			b := o.chain.seal(uint64(r.Offset)+1, proposals)
			select {
			case o.out <- b:
			case <-ctx.Done():
				stopped = true
			}
		})
		if stopped {
			return
		}
	}
}
