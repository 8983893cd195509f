package intent

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABIs for the call shapes the extractor understands. ERC-721
// transferFrom shares the ERC-20 selector-relevant shape, so the same table
// covers both. The router fragment matches UniswapV2-style DEXes.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const routerABI = `[
	{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForETH","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForTokens","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	parsedERC20  abi.ABI
	parsedRouter abi.ABI

	// selector -> decoding method, built once at package init
	selectorTable map[[4]byte]*abi.Method
)

func init() {
	var err error
	parsedERC20, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic("intent: bad erc20 ABI: " + err.Error())
	}
	parsedRouter, err = abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		panic("intent: bad router ABI: " + err.Error())
	}

	selectorTable = make(map[[4]byte]*abi.Method)
	for name := range parsedERC20.Methods {
		m := parsedERC20.Methods[name]
		selectorTable[[4]byte(m.ID)] = &m
	}
	for name := range parsedRouter.Methods {
		m := parsedRouter.Methods[name]
		selectorTable[[4]byte(m.ID)] = &m
	}
}

// classify decodes calldata (len >= 4) against the selector table and fills
// in kind, recipient, asset, amount, and params. Unrecognized selectors are
// generic calls; a matched selector whose arguments fail to unpack downgrades
// to unknown rather than erroring, so policy can still reject it.
func classify(in *Intent, to common.Address, data []byte) {
	var sel [4]byte
	copy(sel[:], data[:4])

	method, ok := selectorTable[sel]
	if !ok {
		in.Kind = KindGenericCall
		return
	}

	args := map[string]any{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		in.Kind = KindUnknown
		return
	}
	in.Params = args

	switch method.Name {
	case "transfer":
		in.Kind = KindTransfer
		in.Asset = strings.ToLower(to.Hex())
		in.Recipient = args["to"].(common.Address)
		in.Amount = args["value"].(*big.Int)

	case "approve":
		in.Kind = KindApproval
		in.Asset = strings.ToLower(to.Hex())
		in.Recipient = args["spender"].(common.Address)
		in.Amount = args["value"].(*big.Int)

	case "transferFrom":
		in.Kind = KindTransfer
		in.Asset = strings.ToLower(to.Hex())
		in.Recipient = args["to"].(common.Address)
		in.Amount = args["value"].(*big.Int)

	case "swapExactETHForTokens":
		in.Kind = KindSwap
		// Native in, token out: amount is the attached value, asset is the
		// token being acquired (last element of the path).
		if path, ok := args["path"].([]common.Address); ok && len(path) > 0 {
			in.Asset = strings.ToLower(path[len(path)-1].Hex())
		}
		in.Recipient = args["to"].(common.Address)

	case "swapExactTokensForETH", "swapExactTokensForTokens":
		in.Kind = KindSwap
		if path, ok := args["path"].([]common.Address); ok && len(path) > 0 {
			in.Asset = strings.ToLower(path[len(path)-1].Hex())
		}
		in.Recipient = args["to"].(common.Address)
		in.Amount = args["amountIn"].(*big.Int)

	default:
		in.Kind = KindGenericCall
	}
}
