package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cl "github.com/starfariii/coinflip1/internal/cli"
	"github.com/starfariii/coinflip1/internal/coinflip"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func catalogValues(ctx context.Context, client *cl.Client, accessToken string) (map[string]coinflip.CatalogItem, error) {
	items, err := client.Catalog(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	out := make(map[string]coinflip.CatalogItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func renderCatalog(items []coinflip.CatalogItem) {
	accent.Println("\n== CATALOG ==")
	if len(items) == 0 {
		printInfo("Catalog is empty.")
		return
	}
	fmt.Printf("%-16s %-22s %-10s %8s\n", "ID", "NAME", "RARITY", "VALUE")
	for _, it := range items {
		fmt.Printf("%-16s %-22s %-10s %8d\n", truncate(it.ID, 16), truncate(it.Name, 22), it.Rarity, it.Value)
	}
	fmt.Println()
}

func renderInventory(inv coinflip.Inventory) {
	accent.Println("\n== INVENTORY ==")
	if len(inv.Items) == 0 {
		printInfo("You hold no items.")
		return
	}
	fmt.Printf("%-4s %-22s %-10s %8s\n", "POS", "ITEM", "RARITY", "VALUE")
	for _, it := range inv.Items {
		fmt.Printf("%-4d %-22s %-10s %8d\n", it.Position, truncate(it.Name, 22), it.Rarity, it.Value)
	}
	fmt.Printf("\nTotal value: %s\n\n", accent.Sprint(inv.TotalValue))
}

func renderMatches(matches []coinflip.Match, catalog map[string]coinflip.CatalogItem, userID string) {
	accent.Println("\n== OPEN MATCHES ==")
	if len(matches) == 0 {
		printInfo("No open matches. Start one with `flip create`.")
		return
	}
	fmt.Printf("%-36s %-6s %5s %8s %-15s %s\n", "ID", "SIDE", "ITEMS", "VALUE", "JOIN RANGE", "AGE")
	for _, m := range matches {
		value := stakeValue(m.Items, catalog)
		lo, hi := coinflip.BandBounds(value)
		id := m.ID
		if m.CreatorID == userID {
			id = warn.Sprint(m.ID)
		}
		fmt.Printf("%-36s %-6s %5d %8d %-15s %s\n",
			id,
			m.CreatorSide,
			len(m.Items),
			value,
			fmt.Sprintf("%d-%d", lo, hi),
			time.Since(m.CreatedAt).Round(time.Second),
		)
	}
	fmt.Println()
}

func renderMatch(m coinflip.Match, catalog map[string]coinflip.CatalogItem, userID string) {
	accent.Printf("\n== MATCH %s ==\n", m.ID)
	fmt.Printf("Status:      %s\n", m.Status)
	fmt.Printf("Creator:     %s (%s)\n", m.CreatorID, m.CreatorSide)
	if m.MemberID != "" {
		fmt.Printf("Member:      %s (%s)\n", m.MemberID, m.MemberSide())
	}
	fmt.Printf("Creator pot: %d\n", stakeValue(m.CreatorItems(), catalog))
	if m.MemberID != "" {
		fmt.Printf("Member pot:  %d\n", stakeValue(m.MemberItems(), catalog))
	}
	fmt.Printf("Commitment:  %s\n", m.Commitment)
	if m.Status == coinflip.StatusCompleted {
		fmt.Printf("Result:      %s\n", m.Result)
		fmt.Printf("Seed:        %s\n", m.Seed)
		if side, ok := m.SideOf(userID); ok {
			if side == m.Result {
				printSuccess("You won the pot.")
			} else {
				printError("You lost this one.")
			}
		}
	}
	fmt.Println()
}

func renderHistory(rows []coinflip.HistoryEntry) {
	accent.Println("\n== HISTORY ==")
	if len(rows) == 0 {
		printInfo("No settled matches yet.")
		return
	}
	fmt.Printf("%-36s %-6s %-6s %-5s %8s %s\n", "MATCH", "SIDE", "RESULT", "WON", "AMOUNT", "SETTLED")
	for _, h := range rows {
		won := danger.Sprint("no ")
		if h.Won {
			won = success.Sprint("yes")
		}
		fmt.Printf("%-36s %-6s %-6s %-5s %8d %s\n",
			h.MatchID,
			h.UserSide,
			h.Result,
			won,
			h.Amount,
			h.SettledAt.Local().Format(time.DateTime),
		)
	}
	fmt.Println()
}

func stakeValue(ids []string, catalog map[string]coinflip.CatalogItem) int64 {
	var total int64
	for _, id := range ids {
		total += catalog[id].Value
	}
	return total
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
