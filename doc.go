// Package unchain is the Go client for the unchain feature-flag platform.
//
// A [Client] keeps a local copy of every configured project's flags fresh in
// the background (polling, plus an optional push stream) and answers
// [Client.IsEnabled] and [Client.GetVariant] from memory. Evaluations never
// perform network I/O and never return errors: an unknown flag is simply off.
//
//	client, err := unchain.New(unchain.Config{
//		APIURL:      "https://flags.example.com/api",
//		Token:       unchain.StaticToken(os.Getenv("UNCHAIN_TOKEN")),
//		Environment: "production",
//		Projects:    []string{"webshop"},
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Shutdown(context.Background())
//
//	if client.IsEnabled("new-checkout", unchain.Context{UserID: user.ID}) {
//		// ...
//	}
//
// Rollout and variant bucketing use MurmurHash3 (x86, 32-bit, seed 0) so a
// user lands in the same bucket in every unchain SDK.
package unchain
