package gateway

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const spendPermissionTuple = `{"name":"spendPermission","type":"tuple","components":[
	{"name":"account","type":"address"},
	{"name":"spender","type":"address"},
	{"name":"token","type":"address"},
	{"name":"allowance","type":"uint160"},
	{"name":"period","type":"uint48"},
	{"name":"start","type":"uint48"},
	{"name":"end","type":"uint48"},
	{"name":"salt","type":"uint256"},
	{"name":"extraData","type":"bytes"}]}`

const managerABIJSON = `[
{"type":"function","name":"isApproved","stateMutability":"view","inputs":[` + spendPermissionTuple + `],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approveWithSignature","stateMutability":"nonpayable","inputs":[` + spendPermissionTuple + `,{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"spend","stateMutability":"nonpayable","inputs":[` + spendPermissionTuple + `,{"name":"value","type":"uint160"}],"outputs":[]},
{"type":"function","name":"getCurrentPeriod","stateMutability":"view","inputs":[` + spendPermissionTuple + `],"outputs":[{"name":"","type":"tuple","components":[{"name":"start","type":"uint48"},{"name":"end","type":"uint48"},{"name":"spend","type":"uint160"}]}]},
{"type":"error","name":"ExceededSpendPermission","inputs":[{"name":"value","type":"uint256"},{"name":"allowance","type":"uint256"}]},
{"type":"error","name":"BeforeSpendPermissionStart","inputs":[{"name":"currentTimestamp","type":"uint48"}]},
{"type":"error","name":"AfterSpendPermissionEnd","inputs":[{"name":"currentTimestamp","type":"uint48"}]},
{"type":"error","name":"UnauthorizedSpendPermission","inputs":[]},
{"type":"error","name":"ZeroValue","inputs":[]}
]`

const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	managerABI = mustParseABI(managerABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}

	return parsed
}

// spendPermission mirrors the contract tuple; field names map to the ABI
// component names.
type spendPermission struct {
	Account   common.Address
	Spender   common.Address
	Token     common.Address
	Allowance *big.Int
	Period    *big.Int
	Start     *big.Int
	End       *big.Int
	Salt      *big.Int
	ExtraData []byte
}

func toSpendPermission(a *domain.SpendAuthorization) spendPermission {
	salt := a.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	extra := a.ExtraData
	if extra == nil {
		extra = []byte{}
	}

	return spendPermission{
		Account:   a.Account,
		Spender:   a.Spender,
		Token:     a.Token,
		Allowance: new(big.Int).Set(a.Allowance),
		Period:    new(big.Int).SetUint64(uint64(a.Period)),
		Start:     new(big.Int).SetUint64(a.Start),
		End:       new(big.Int).SetUint64(a.End),
		Salt:      salt,
		ExtraData: extra,
	}
}

// PeriodSpend is the contract's view of the current period.
type PeriodSpend struct {
	Start *big.Int
	End   *big.Int
	Spend *big.Int
}

// errorSelector returns the 4-byte selector of a custom error declared above.
func errorSelector(name string) []byte {
	return managerABI.Errors[name].ID.Bytes()[:4]
}
