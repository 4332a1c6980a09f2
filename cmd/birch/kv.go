package birch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/codec"
)

// parseValue interprets a command-line value argument as JSON when
// possible (so "42", "true", "[1,2]", {"a":1} all round-trip as their
// native types), falling back to the raw string otherwise.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printValue(v any) {
	if v == codec.Undefined {
		fmt.Println("(undefined)")
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "reads the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := store.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		printValue(v)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "sets the value for a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Set(context.Background(), args[0], parseValue(args[1])); err != nil {
			return err
		}
		fmt.Println("set successfully")
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del [key]",
	Short: "deletes a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("delete successfully")
		return nil
	},
}

var hasCmd = &cobra.Command{
	Use:   "has [key]",
	Short: "checks if a key exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := store.Has(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("key=%s, found=%t\n", args[0], ok)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [key] [value]",
	Short: "appends a value to the array stored at key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Push(context.Background(), args[0], parseValue(args[1])); err != nil {
			return err
		}
		fmt.Println("push successfully")
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [key] [value]",
	Short: "removes every matching value from the array stored at key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Pull(context.Background(), args[0], parseValue(args[1])); err != nil {
			return err
		}
		fmt.Println("pull successfully")
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add [key] [amount]",
	Short: "adds amount to the number stored at key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		result, err := store.Add(context.Background(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

var subtractCmd = &cobra.Command{
	Use:   "subtract [key] [amount]",
	Short: "subtracts amount from the number stored at key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		result, err := store.Subtract(context.Background(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

func parseAmount(raw string) (float64, error) {
	var f float64
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return 0, fmt.Errorf("amount must be a number: %w", err)
	}
	return f, nil
}
