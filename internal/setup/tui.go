package setup

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/spendflow/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

const (
	title = "SPENDFLOW CONFIG WIZARD"

	// Base mainnet deployment of the spend permission manager.
	defaultManager = "0xf85210B21cC50302F477BA56686d2019dC9b67Ad"
)

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// answers collects the raw wizard input.
type answers struct {
	rpcURL      string
	chainID     string
	manager     string
	spenderKey  string
	schedule    string
	concurrency string
	advisoryURL string
	advisoryKey string
	feeTokens   string
	decimals    string
	httpAddr    string
	adminToken  string
}

func defaults() answers {
	return answers{
		rpcURL:      "https://mainnet.base.org",
		chainID:     "8453",
		manager:     defaultManager,
		schedule:    "0 0 * * * *",
		concurrency: "4",
		feeTokens:   "0",
		decimals:    "6",
		httpAddr:    ":8080",
	}
}

func step(name string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render(title))
	fmt.Println(stepStyle.Render(name))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaults()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render(title))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Recurring withdrawals from spend permissions.\n"))

	fmt.Println(stepStyle.Render("STEP 1: CHAIN"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RPC URL").
				Value(&a.rpcURL).
				Validate(notEmpty("rpc url")),
			huh.NewSelect[string]().
				Title("Network").
				Options(
					huh.NewOption("Base", "8453"),
					huh.NewOption("Base Sepolia", "84532"),
					huh.NewOption("Ethereum", "1"),
				).
				Value(&a.chainID),
			huh.NewInput().
				Title("Spend permission manager").
				Value(&a.manager).
				Validate(validateAddress),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: SPENDER")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Spender private key").
				Description(fmt.Sprintf("Leave empty to provide it via %s", config.EnvSpenderKey)).
				Value(&a.spenderKey).
				EchoMode(huh.EchoModePassword),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 3: SCHEDULE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Cron schedule").
				Description("Six fields, seconds first (e.g. 0 0 * * * *). Empty disables it").
				Value(&a.schedule).
				Validate(validateSchedule),
			huh.NewInput().
				Title("Concurrent plans").
				Value(&a.concurrency).
				Validate(validatePositiveInt),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 4: ADVISORY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Advisory service URL").
				Description("Empty disables allocation refresh").
				Value(&a.advisoryURL),
			huh.NewInput().
				Title("Advisory API key").
				Value(&a.advisoryKey).
				EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Fee per refresh").
				Description("In whole tokens (e.g. 0.25). 0 means free").
				Value(&a.feeTokens).
				Validate(validateFee),
			huh.NewInput().
				Title("Token decimals").
				Value(&a.decimals).
				Validate(validatePositiveInt),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 5: ADMIN API")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&a.httpAddr).
				Validate(notEmpty("listen address")),
			huh.NewInput().
				Title("Bearer token").
				Description("Empty leaves the API unauthenticated").
				Value(&a.adminToken).
				EchoMode(huh.EchoModePassword),
		),
	).Run()
	if err != nil {
		return err
	}

	step("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"RPC: %s\nChain: %s\nManager: %s\nSchedule: %s\nAdvisory: %s\nFee: %s\nAPI: %s\n",
		a.rpcURL, a.chainID, a.manager, orNone(a.schedule), orNone(a.advisoryURL), a.feeTokens, a.httpAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	tmp, err := a.toConfig()
	if err != nil {
		return err
	}
	if err := config.Write(path, tmp); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

func (a answers) toConfig() (config.ConfigTmp, error) {
	decimals, err := parsePositiveInt(a.decimals)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("token decimals: %w", err)
	}
	fee, err := feeBaseUnits(a.feeTokens, int32(decimals))
	if err != nil {
		return config.ConfigTmp{}, err
	}

	return config.ConfigTmp{
		RPCURL:         strings.TrimSpace(a.rpcURL),
		ChainID:        a.chainID,
		ManagerAddress: common.HexToAddress(a.manager).Hex(),
		SpenderKey:     strings.TrimSpace(a.spenderKey),
		Schedule:       strings.TrimSpace(a.schedule),
		ConcurrencyStr: a.concurrency,
		Advisory: config.AdvisoryTmp{
			URL:    strings.TrimSpace(a.advisoryURL),
			APIKey: strings.TrimSpace(a.advisoryKey),
			Fee:    fee.String(),
		},
		HTTP: config.HTTPTmp{
			Addr:  a.httpAddr,
			Token: a.adminToken,
		},
	}, nil
}

// feeBaseUnits converts a whole-token amount into base units. Fractions
// below one base unit are rejected rather than rounded.
func feeBaseUnits(tokens string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(tokens))
	if err != nil {
		return nil, fmt.Errorf("fee must be a valid number")
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("fee must not be negative")
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("fee has more than %d decimal places", decimals)
	}

	return scaled.BigInt(), nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}

func validateAddress(s string) error {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return fmt.Errorf("must be a 0x-prefixed 20 byte address")
	}
	return nil
}

func validateSchedule(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(s); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

func validateFee(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validatePositiveInt(s string) error {
	_, err := parsePositiveInt(s)
	return err
}

func parsePositiveInt(s string) (int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return int(d.IntPart()), nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
