// Package main is the account management CLI for the bridge.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/auth"
	"github.com/hollowb/antigravity-bridge/internal/config"
)

func main() {
	noBrowser := false

	root := &cobra.Command{
		Use:           "antigravity-bridge-accounts",
		Short:         "Manage the bridge's Google account pool",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a Google account via OAuth",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireInteractive(); err != nil {
				return err
			}
			ensureServerStopped()
			return interactiveAdd(noBrowser)
		},
	}
	addCmd.Flags().BoolVar(&noBrowser, "no-browser", false,
		"Manual authorization code input (for headless servers)")

	root.AddCommand(
		addCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List all accounts",
			RunE: func(cmd *cobra.Command, args []string) error {
				accounts, err := loadAccounts()
				if err != nil {
					return err
				}
				displayAccounts(accounts)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove",
			Short: "Remove an account",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := requireInteractive(); err != nil {
					return err
				}
				ensureServerStopped()
				return interactiveRemove()
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove all accounts",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := requireInteractive(); err != nil {
					return err
				}
				ensureServerStopped()
				return clearAccounts()
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Verify account refresh tokens",
			RunE: func(cmd *cobra.Command, args []string) error {
				return verifyAccounts()
			},
		},
		&cobra.Command{
			Use:   "import-db",
			Short: "Import the account signed in to the local Antigravity editor",
			RunE: func(cmd *cobra.Command, args []string) error {
				ensureServerStopped()
				return importLocalDB()
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// requireInteractive refuses prompting flows on a non-terminal stdin.
func requireInteractive() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("this command needs an interactive terminal")
	}
	return nil
}

func serverPort() int {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			return p
		}
	}
	return config.DefaultPort
}

// ensureServerStopped exits when the bridge is running, so account
// edits are picked up on the next start.
func ensureServerStopped() {
	port := serverPort()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
	if err != nil {
		return
	}
	conn.Close()

	fmt.Printf("\nError: the bridge server is currently running on port %d.\n\n", port)
	fmt.Println("Please stop the server (Ctrl+C) before managing accounts.")
	fmt.Println("This ensures your changes are loaded correctly on restart.")
	os.Exit(1)
}

func openStore() *account.FileStore {
	return account.NewFileStore(config.AccountConfigPath, config.MaxAccounts)
}

func loadAccounts() ([]*account.Account, error) {
	store := openStore()
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return store.List(), nil
}

func displayAccounts(accounts []*account.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
		} else if !acc.Enabled {
			status = " (disabled)"
		}
		fmt.Printf("  %d. %s [%s]%s\n", i+1, acc.Email, acc.Source, status)
	}
}

func prompt(message string) string {
	fmt.Print(message)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("\nCould not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func interactiveAdd(noBrowser bool) error {
	store := openStore()
	if err := store.Load(); err != nil {
		return err
	}
	accounts := store.List()

	if len(accounts) > 0 {
		displayAccounts(accounts)

		choice := strings.ToLower(prompt("\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: "))
		switch choice {
		case "r":
			return interactiveRemove()
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			if err := store.Clear(); err != nil {
				return err
			}
			accounts = nil
		case "e":
			fmt.Println("\nExiting...")
			return nil
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if len(accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return nil
	}

	var result *auth.OAuthFlowResult
	var err error
	if noBrowser {
		result, err = authorizeNoBrowser()
	} else {
		result, err = authorizeWithCallback()
	}
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}
	if result == nil {
		return nil
	}

	refreshToken := result.RefreshToken
	if result.ProjectID != "" {
		refreshToken = auth.FormatCompositeRefresh(result.RefreshToken, result.ProjectID, "")
	}

	acc := &account.Account{
		Email:        result.Email,
		Source:       account.SourceOAuth,
		Enabled:      true,
		RefreshToken: refreshToken,
		ProjectID:    result.ProjectID,
		AddedAt:      time.Now().UnixMilli(),
	}
	if existing := store.Get(result.Email); existing != nil {
		fmt.Printf("\n⚠ Account %s already exists. Updating tokens.\n", result.Email)
	}
	if err := store.Upsert(acc); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	fmt.Printf("\n✓ Saved account %s\n", result.Email)
	if result.ProjectID == "" {
		fmt.Println("  Project will be discovered on first API request.")
	}
	displayAccounts(store.List())
	fmt.Println("\nTo add more accounts, run this command again.")
	return nil
}

func authorizeWithCallback() (*auth.OAuthFlowResult, error) {
	urlResult, err := auth.GetAuthorizationURL("")
	if err != nil {
		return nil, fmt.Errorf("generate auth URL: %w", err)
	}

	fmt.Println("\n=== Add Google Account ===")
	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If the browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", urlResult.URL)

	openBrowser(urlResult.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	code, err := auth.NewCallbackServer(urlResult.State).Start(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")
	return auth.CompleteOAuthFlow(ctx, code, urlResult.Verifier)
}

func authorizeNoBrowser() (*auth.OAuthFlowResult, error) {
	urlResult, err := auth.GetAuthorizationURL("")
	if err != nil {
		return nil, fmt.Errorf("generate auth URL: %w", err)
	}

	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")
	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", urlResult.URL)
	fmt.Println("After signing in, you will be redirected to a localhost URL.")
	fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

	input := prompt("Paste the callback URL or authorization code: ")
	if input == "" {
		return nil, fmt.Errorf("no input provided")
	}

	codeResult, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		return nil, err
	}
	if codeResult.State != "" && codeResult.State != urlResult.State {
		fmt.Println("\n⚠ State mismatch detected. Proceeding anyway in manual mode.")
	}

	fmt.Println("\nExchanging authorization code for tokens...")
	return auth.CompleteOAuthFlow(context.Background(), codeResult.Code, urlResult.Verifier)
}

func interactiveRemove() error {
	store := openStore()
	if err := store.Load(); err != nil {
		return err
	}

	for {
		accounts := store.List()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return nil
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		index, err := strconv.Atoi(prompt("> "))
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\nInvalid selection.")
			continue
		}
		if index == 0 {
			return nil
		}

		removed := accounts[index-1]
		confirm := prompt(fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			if err := store.Remove(removed.Email); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		if strings.ToLower(prompt("\nRemove another account? [y/N]: ")) != "y" {
			return nil
		}
	}
}

func clearAccounts() error {
	store := openStore()
	if err := store.Load(); err != nil {
		return err
	}

	accounts := store.List()
	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return nil
	}

	displayAccounts(accounts)

	if strings.ToLower(prompt("\nAre you sure you want to remove all accounts? [y/N]: ")) == "y" {
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Println("All accounts removed.")
	} else {
		fmt.Println("Cancelled.")
	}
	return nil
}

func verifyAccounts() error {
	accounts, err := loadAccounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return nil
	}

	fmt.Println("\nVerifying accounts...")

	ctx := context.Background()
	for _, acc := range accounts {
		if acc.RefreshToken == "" {
			fmt.Printf("  - %s - skipped (no refresh token, source %s)\n", acc.Email, acc.Source)
			continue
		}
		tokens, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		email, err := auth.GetUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("  ✓ %s - OK\n", email)
	}
	return nil
}

// importLocalDB enrols the account the local Antigravity editor is
// signed in to, using its database token instead of an OAuth flow.
func importLocalDB() error {
	if !auth.IsDatabaseAccessible("") {
		return fmt.Errorf("local Antigravity database not found at %s", config.AntigravityDBPath)
	}

	ctx := context.Background()
	token, err := auth.ReadLocalDBToken(ctx)
	if err != nil {
		return fmt.Errorf("read local database token: %w", err)
	}

	email, err := auth.GetUserEmail(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve account email: %w", err)
	}

	store := openStore()
	if err := store.Load(); err != nil {
		return err
	}
	if existing := store.Get(email); existing != nil {
		fmt.Printf("Account %s already exists (source %s).\n", email, existing.Source)
		return nil
	}

	acc := &account.Account{
		Email:   email,
		Source:  account.SourceLocalDB,
		Enabled: true,
		AddedAt: time.Now().UnixMilli(),
	}
	if err := store.Upsert(acc); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	fmt.Printf("✓ Imported %s from the local Antigravity database.\n", email)
	fmt.Println("  Tokens will be read live from the editor's database.")
	return nil
}
