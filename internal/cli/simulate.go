package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCurrent  string
	simulatePrevious string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用给定利率模拟一次下降并通过已配置通道发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return errors.New("--current 必须是数字")
		}
		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return errors.New("--previous 必须是数字")
		}
		if !current.IsPositive() || !previous.IsPositive() {
			return errors.New("--current 与 --previous 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), current, previous)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "11.25", "当前利率 (%)")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "11.75", "上一个交易日利率 (%)")
}
