package cart

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/c0deZ3R0/go-cart-sync/errors"
)

// LineInput is the boundary schema for adding a product to the cart.
// A zero Quantity means one unit.
type LineInput struct {
	ProductID string          `json:"productId" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	UnitPrice decimal.Decimal `json:"price"`
	Size      string          `json:"size" validate:"required"`
	ImageRef  string          `json:"image"`
	Quantity  int             `json:"quantity" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return stderrors.New(strings.Join(msgs, ", "))
}

// Line validates the input and converts it to a cart line. Text fields are
// trimmed before validation so whitespace-only values count as missing.
func (in LineInput) Line() (Line, error) {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.Name = strings.TrimSpace(in.Name)
	in.Size = strings.TrimSpace(in.Size)
	in.ImageRef = strings.TrimSpace(in.ImageRef)

	if err := validate.Struct(in); err != nil {
		return Line{}, errors.NewValidationError(errors.OpAddItem, describe(err))
	}
	if in.UnitPrice.IsNegative() {
		return Line{}, errors.NewValidationError(errors.OpAddItem, stderrors.New("price must be >= 0"))
	}

	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}

	return Line{
		ProductID: in.ProductID,
		Name:      in.Name,
		UnitPrice: in.UnitPrice,
		Size:      in.Size,
		ImageRef:  in.ImageRef,
		Quantity:  qty,
	}, nil
}

// Input converts a line back into the add-to-cart schema.
func (l Line) Input() LineInput {
	return LineInput{
		ProductID: l.ProductID,
		Name:      l.Name,
		UnitPrice: l.UnitPrice,
		Size:      l.Size,
		ImageRef:  l.ImageRef,
		Quantity:  l.Quantity,
	}
}

// Validate checks a wishlist entry before it is stored.
func (e WishlistEntry) Validate() error {
	e.ProductID = strings.TrimSpace(e.ProductID)
	if err := validate.Struct(e); err != nil {
		return errors.NewValidationError(errors.OpAddWishlist, describe(err))
	}
	if e.UnitPrice.IsNegative() {
		return errors.NewValidationError(errors.OpAddWishlist, stderrors.New("price must be >= 0"))
	}
	return nil
}

// RequireKey validates a (productID, size) pair used by remove and update.
func RequireKey(op errors.Operation, productID, size string) error {
	var missing []string
	if strings.TrimSpace(productID) == "" {
		missing = append(missing, "productId is required")
	}
	if strings.TrimSpace(size) == "" {
		missing = append(missing, "size is required")
	}
	if len(missing) > 0 {
		return errors.NewValidationError(op, stderrors.New(strings.Join(missing, ", ")))
	}
	return nil
}
