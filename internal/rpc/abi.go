package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Each fragment is parsed on its own so overloaded names such as decimals() and
// decimals(address,address) keep their raw name.
var fragments = []string{
	`[
		{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	`[
		{"type":"function","name":"totalBorrows","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"borrowBalanceStored","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"config","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"getKillBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getKillTreasuryBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	`[
		{"type":"function","name":"withdrawalFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"performanceFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"managementFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	`[
		{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[{"name":"base","type":"address"},{"name":"quote","type":"address"}],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
		{"type":"function","name":"decimals","stateMutability":"view","inputs":[{"name":"base","type":"address"},{"name":"quote","type":"address"}],"outputs":[{"name":"","type":"uint8"}]}
	]`,
	`[
		{"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]},
		{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
		{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`,
	`[
		{"type":"function","name":"getPriceUsdcRecommended","stateMutability":"view","inputs":[{"name":"tokenAddress","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`,
}

// methodTable maps a raw method name to its known signatures
type methodTable map[string][]abi.Method

func mustMethodTable() methodTable {
	table, err := newMethodTable(fragments...)
	if err != nil {
		panic(err)
	}
	return table
}

func newMethodTable(jsons ...string) (methodTable, error) {
	table := make(methodTable)
	for i, raw := range jsons {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ABI fragment %d: %w", i, err)
		}
		for _, m := range parsed.Methods {
			table[m.RawName] = append(table[m.RawName], m)
		}
	}
	return table, nil
}

// lookup picks the signature of name taking argc inputs
func (t methodTable) lookup(name string, argc int) (abi.Method, bool) {
	for _, m := range t[name] {
		if len(m.Inputs) == argc {
			return m, true
		}
	}
	return abi.Method{}, false
}

// pack encodes a call to m with loosely typed arguments
func pack(m abi.Method, args ...any) ([]byte, error) {
	converted := make([]any, len(args))
	for i, arg := range args {
		v, err := convertArg(m.Inputs[i].Type, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, m.RawName, err)
		}
		converted[i] = v
	}
	encoded, err := m.Inputs.Pack(converted...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", m.RawName, err)
	}
	return append(append([]byte{}, m.ID...), encoded...), nil
}

// unpack decodes the outputs of m
func unpack(m abi.Method, data []byte) ([]any, error) {
	if len(data) == 0 && len(m.Outputs) > 0 {
		return nil, fmt.Errorf("empty return data for %s", m.RawName)
	}
	out, err := m.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", m.RawName, err)
	}
	return out, nil
}

func convertArg(t abi.Type, arg any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		switch v := arg.(type) {
		case common.Address:
			return v, nil
		case string:
			if !common.IsHexAddress(v) {
				return nil, fmt.Errorf("not an address: %q", v)
			}
			return common.HexToAddress(v), nil
		}
	case abi.UintTy, abi.IntTy:
		var n *big.Int
		switch v := arg.(type) {
		case *big.Int:
			n = v
		case int64:
			n = big.NewInt(v)
		case int:
			n = big.NewInt(int64(v))
		case uint64:
			n = new(big.Int).SetUint64(v)
		default:
			return nil, fmt.Errorf("unsupported integer argument %T", arg)
		}
		if t.Size > 64 {
			return n, nil
		}
		return nil, fmt.Errorf("unsupported integer width %d", t.Size)
	case abi.BoolTy:
		if v, ok := arg.(bool); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", arg, t.String())
}
