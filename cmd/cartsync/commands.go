package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/synckit"
)

type command struct {
	help string

	// attach resumes the saved session first and flushes the outbox after.
	attach bool

	// show prints the resulting state when run succeeds.
	show bool
	run  func(ctx context.Context, a *app, args []string, out io.Writer) error
}

var commands = map[string]command{
	"show":        {help: "Print the cart, wishlist and sync state", attach: true, show: true, run: noop},
	"add":         {help: "Add a product to the cart", attach: true, show: true, run: cmdAdd},
	"update":      {help: "Set the quantity of a cart line (0 removes it)", attach: true, show: true, run: cmdUpdate},
	"remove":      {help: "Remove a cart line", attach: true, show: true, run: cmdRemove},
	"clear":       {help: "Empty the cart", attach: true, show: true, run: cmdClear},
	"wish-add":    {help: "Save a product to the wishlist", attach: true, show: true, run: cmdWishAdd},
	"wish-remove": {help: "Remove a product from the wishlist", attach: true, show: true, run: cmdWishRemove},
	"move":        {help: "Move a wishlist product into the cart", attach: true, show: true, run: cmdMove},
	"count":       {help: "Print the number of units in the cart", attach: true, run: cmdCount},
	"flush":       {help: "Send queued changes to the storefront", attach: true, show: true, run: cmdFlush},
	"login":       {help: "Save a session and merge the guest cart into the account", show: true, run: cmdLogin},
	"resume":      {help: "Resume the saved session without re-merging", show: true, run: cmdResume},
	"logout":      {help: "Forget the session; the local cart is kept", show: true, run: cmdLogout},
}

// exec runs the command against the app.
func (c command) exec(ctx context.Context, a *app, args []string, out io.Writer) error {
	if c.attach {
		if err := a.attach(ctx); err != nil {
			return err
		}
	}
	if err := c.run(ctx, a, args, out); err != nil {
		return err
	}
	if c.attach {
		a.settle(ctx)
	}
	if c.show {
		return printState(a, out)
	}
	return nil
}

type view struct {
	State    string        `json:"state"`
	Account  string        `json:"account,omitempty"`
	Cart     cart.State    `json:"cart"`
	Wishlist cart.Wishlist `json:"wishlist"`
	Pending  int           `json:"pending"`
}

func printState(a *app, out io.Writer) error {
	v := view{
		State:    a.coord.State().String(),
		Cart:     a.coord.Cart(),
		Wishlist: a.coord.Wishlist(),
		Pending:  len(a.coord.Pending()),
	}
	if v.Wishlist == nil {
		v.Wishlist = cart.Wishlist{}
	}
	if s, ok := a.coord.Session(); ok {
		v.Account = s.AccountID
	}
	return printJSON(out, v)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// decimalFlag parses a price such as "19.90".
type decimalFlag struct {
	d decimal.Decimal
}

func (f *decimalFlag) String() string { return f.d.String() }

func (f *decimalFlag) Set(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid price %q", s)
	}
	f.d = d
	return nil
}

func noop(context.Context, *app, []string, io.Writer) error { return nil }

func cmdAdd(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("add")
	var in cart.LineInput
	var price decimalFlag
	fs.StringVar(&in.ProductID, "product", "", "Product id")
	fs.StringVar(&in.Name, "name", "", "Product name")
	fs.Var(&price, "price", "Unit price, e.g. 19.90")
	fs.StringVar(&in.Size, "size", "", "Size")
	fs.StringVar(&in.ImageRef, "image", "", "Image reference")
	fs.IntVar(&in.Quantity, "qty", 1, "Quantity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	in.UnitPrice = price.d

	_, err := a.coord.AddItem(ctx, in)
	return err
}

func cmdUpdate(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("update")
	productID := fs.String("product", "", "Product id")
	size := fs.String("size", "", "Size")
	qty := fs.Int("qty", 1, "New quantity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, err := a.coord.UpdateQuantity(ctx, *productID, *size, *qty)
	return err
}

func cmdRemove(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("remove")
	productID := fs.String("product", "", "Product id")
	size := fs.String("size", "", "Size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, err := a.coord.RemoveItem(ctx, *productID, *size)
	return err
}

func cmdClear(ctx context.Context, a *app, args []string, out io.Writer) error {
	_, err := a.coord.Clear(ctx)
	return err
}

func cmdWishAdd(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("wish-add")
	var entry cart.WishlistEntry
	var price decimalFlag
	fs.StringVar(&entry.ProductID, "product", "", "Product id")
	fs.StringVar(&entry.Name, "name", "", "Product name")
	fs.Var(&price, "price", "Unit price")
	fs.StringVar(&entry.ImageRef, "image", "", "Image reference")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entry.UnitPrice = price.d

	_, err := a.coord.AddWishlistEntry(ctx, entry)
	return err
}

func cmdWishRemove(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("wish-remove")
	productID := fs.String("product", "", "Product id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, err := a.coord.RemoveWishlistEntry(ctx, *productID)
	return err
}

func cmdMove(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("move")
	productID := fs.String("product", "", "Product id")
	size := fs.String("size", "", "Size for the cart line")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _, err := a.coord.MoveToCart(ctx, *productID, *size)
	return err
}

func cmdCount(ctx context.Context, a *app, args []string, out io.Writer) error {
	return printJSON(out, map[string]int{"count": a.coord.ItemCount(ctx)})
}

func cmdFlush(ctx context.Context, a *app, args []string, out io.Writer) error {
	return a.coord.Flush(ctx)
}

func cmdLogin(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("login")
	var s cart.Session
	fs.StringVar(&s.AccountID, "account", "", "Account id")
	fs.StringVar(&s.Token, "token", "", "Bearer token")
	fs.StringVar(&s.DisplayName, "name", "", "Display name")
	fs.StringVar(&s.Email, "email", "", "Email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	err := a.logger.LogOperation(logging.ContextWithAccount(ctx, s.AccountID), "login", logging.ComponentCoordinator, func() error {
		_, _, err := a.coord.ReconcileOnLogin(ctx, s)
		return err
	})
	if err != nil {
		return err
	}
	if err := synckit.SaveSession(ctx, a.store, s); err != nil {
		return err
	}
	a.settle(ctx)
	return nil
}

func cmdResume(ctx context.Context, a *app, args []string, out io.Writer) error {
	session, ok, err := synckit.LoadSession(ctx, a.store)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no saved session; run login first")
	}
	_, _, err = a.coord.Resume(ctx, session)
	return err
}

func cmdLogout(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := a.coord.Logout(ctx); err != nil {
		return err
	}
	return synckit.ClearSession(ctx, a.store)
}
