package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrEventNotMatched = errors.New("log does not match event")

type PaymentProcessedLog struct {
	PaymentId [32]byte
	Sender    common.Address
	Recipient common.Address
	Token     common.Address
	Amount    *big.Int
	Timestamp *big.Int
}

type PaymentFailedLog struct {
	PaymentId [32]byte
	Sender    common.Address
	Reason    string
}

type FundsWithdrawnLog struct {
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
}

// EventID returns topic[0] of the named PaymentProcessor event.
func EventID(name string) common.Hash {
	return PaymentProcessor.Events[name].ID
}

// EncodeLog builds the topics and data of a PaymentProcessor event. Indexed
// values must be passed in declaration order, followed by the non-indexed ones.
func EncodeLog(name string, values ...interface{}) ([]common.Hash, []byte, error) {
	event, ok := PaymentProcessor.Events[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown event %s", name)
	}
	if len(values) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("%s: expected %d values, got %d", name, len(event.Inputs), len(values))
	}

	topics := []common.Hash{event.ID}
	var data []interface{}
	for i, arg := range event.Inputs {
		if !arg.Indexed {
			data = append(data, values[i])
			continue
		}
		topic, err := topicOf(values[i])
		if err != nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", name, arg.Name, err)
		}
		topics = append(topics, topic)
	}

	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: failed to pack data: %w", name, err)
	}
	return topics, packed, nil
}

func topicOf(v interface{}) (common.Hash, error) {
	switch t := v.(type) {
	case common.Address:
		return common.BytesToHash(t.Bytes()), nil
	case common.Hash:
		return t, nil
	case [32]byte:
		return common.Hash(t), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", v)
	}
}

// UnpackLog decodes log into out, which must be a pointer to one of the *Log structs.
func UnpackLog(out interface{}, name string, log types.Log) error {
	event, ok := PaymentProcessor.Events[name]
	if !ok {
		return fmt.Errorf("unknown event %s", name)
	}
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return ErrEventNotMatched
	}
	if len(log.Data) > 0 {
		if err := PaymentProcessor.UnpackIntoInterface(out, name, log.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, log.Topics[1:])
}

// FindPaymentProcessed returns the first PaymentProcessed log emitted by contract.
func FindPaymentProcessed(contract common.Address, logs []*types.Log) (*PaymentProcessedLog, bool) {
	for _, l := range logs {
		if l == nil || l.Address != contract {
			continue
		}
		out := new(PaymentProcessedLog)
		if err := UnpackLog(out, EventPaymentProcessed, *l); err == nil {
			return out, true
		}
	}
	return nil, false
}

// FindPaymentFailed returns the first PaymentFailed log emitted by contract.
func FindPaymentFailed(contract common.Address, logs []*types.Log) (*PaymentFailedLog, bool) {
	for _, l := range logs {
		if l == nil || l.Address != contract {
			continue
		}
		out := new(PaymentFailedLog)
		if err := UnpackLog(out, EventPaymentFailed, *l); err == nil {
			return out, true
		}
	}
	return nil, false
}

// revertSelector is the 4-byte selector of Error(string).
var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

var revertArgs = func() abi.Arguments {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: stringType}}
}()

// PackRevert encodes reason as Error(string) revert data.
func PackRevert(reason string) []byte {
	packed, err := revertArgs.Pack(reason)
	if err != nil {
		return append([]byte{}, revertSelector...)
	}
	return append(append([]byte{}, revertSelector...), packed...)
}
