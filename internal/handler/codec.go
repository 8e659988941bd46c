package handler

import (
	"html"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

const maxBodyBytes = 1 << 20

// calculateRequest is the decoded body of POST /api/cart/calculate and
// POST /api/discount-codes/validate.
type calculateRequest struct {
	StoreID      int64
	Items        []pricing.LineItem
	DiscountCode string
	Code         string
	ShippingRate    *pricing.ShippingRate
	CustomerTier    string
	CustomerSegment string
}

// titleSanitizer reduces display strings to plain text.
type titleSanitizer struct {
	policy *bluemonday.Policy
}

func newTitleSanitizer() titleSanitizer {
	return titleSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s titleSanitizer) clean(v string) string {
	return html.UnescapeString(s.policy.Sanitize(v))
}

func newBodyDecoder(w http.ResponseWriter, r *http.Request) *jx.Decoder {
	return jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 4096)
}

func decodeCalculateRequest(d *jx.Decoder, s titleSanitizer) (*calculateRequest, error) {
	req := &calculateRequest{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "storeId":
			req.StoreID, err = d.Int64()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeLineItem(d, s)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		case "discountCode":
			req.DiscountCode, err = decodeOptionalStr(d)
		case "code":
			req.Code, err = decodeOptionalStr(d)
		case "customerTier":
			req.CustomerTier, err = decodeOptionalStr(d)
		case "customerSegment":
			req.CustomerSegment, err = decodeOptionalStr(d)
		case "shippingRate":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.ShippingRate, err = decodeShippingRate(d)
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func decodeLineItem(d *jx.Decoder, s titleSanitizer) (pricing.LineItem, error) {
	var item pricing.LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "variantId":
			item.VariantID, err = d.Str()
		case "productId":
			item.ProductID, err = d.Str()
		case "productTitle":
			var v string
			v, err = decodeOptionalStr(d)
			item.ProductTitle = s.clean(v)
		case "variantTitle":
			var v string
			v, err = decodeOptionalStr(d)
			item.VariantTitle = s.clean(v)
		case "unitPrice":
			item.UnitPrice, err = decodeDecimal(d)
		case "quantity":
			item.Quantity, err = d.Int()
		case "collectionIds":
			item.CollectionIDs, err = decodeStrings(d)
		case "tags":
			item.Tags, err = decodeStrings(d)
		case "properties":
			err = d.Arr(func(d *jx.Decoder) error {
				var p pricing.Property
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "name":
						p.Name, err = d.Str()
						p.Name = s.clean(p.Name)
					case "value":
						p.Value, err = decodeOptionalStr(d)
						p.Value = s.clean(p.Value)
					default:
						return d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				item.Properties = append(item.Properties, p)
				return nil
			})
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return item, err
}

func decodeShippingRate(d *jx.Decoder) (*pricing.ShippingRate, error) {
	rate := &pricing.ShippingRate{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			rate.ID, err = decodeOptionalStr(d)
		case "name":
			rate.Name, err = decodeOptionalStr(d)
		case "price":
			rate.Price, err = decodeDecimal(d)
		case "freeShippingThreshold":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			rate.FreeShippingThreshold = decimal.NewNullDecimal(v)
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return rate, err
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Str()
		out = append(out, v)
		return err
	})
	return out, err
}

func decodeOptionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(string(n))
}

// decodeRedeemRequest decodes {storeId, code}.
func decodeRedeemRequest(d *jx.Decoder) (storeID int64, code string, err error) {
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "storeId":
			storeID, err = d.Int64()
		case "code":
			code, err = d.Str()
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return storeID, code, err
}

func encodeMoney(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Num(jx.Num(v.StringFixed(2)))
}

func encodeStrings(e *jx.Encoder, field string, values []string) {
	e.FieldStart(field)
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

func encodeResult(e *jx.Encoder, res *pricing.Result) {
	e.ObjStart()

	e.FieldStart("items")
	e.ArrStart()
	for _, line := range res.Items {
		encodeLineResult(e, line)
	}
	e.ArrEnd()

	e.FieldStart("discounts")
	e.ArrStart()
	for _, d := range res.Discounts {
		e.ObjStart()
		e.FieldStart("source")
		e.Str(string(d.Source))
		if d.RuleID != 0 {
			e.FieldStart("ruleId")
			e.Int64(d.RuleID)
		}
		e.FieldStart("name")
		e.Str(d.Name)
		if d.Code != "" {
			e.FieldStart("code")
			e.Str(d.Code)
		}
		e.FieldStart("type")
		e.Str(string(d.Type))
		encodeMoney(e, "amount", d.Amount)
		e.ObjEnd()
	}
	e.ArrEnd()

	encodeMoney(e, "subtotal", res.Subtotal)
	encodeMoney(e, "totalDiscount", res.TotalDiscount)
	encodeMoney(e, "subtotalAfterDiscount", res.SubtotalAfterDiscount)
	encodeMoney(e, "shippingBeforeDiscount", res.ShippingBeforeDiscount)
	encodeMoney(e, "shippingAfterDiscount", res.ShippingAfterDiscount)
	encodeMoney(e, "shippingDiscount", res.ShippingDiscount)
	e.FieldStart("shippingWaived")
	e.Bool(res.ShippingWaived)
	encodeMoney(e, "total", res.Total)
	encodeStrings(e, "warnings", res.Warnings)
	e.FieldStart("isValid")
	e.Bool(res.IsValid)

	e.ObjEnd()
}

func encodeLineResult(e *jx.Encoder, line pricing.LineResult) {
	item := line.Item

	e.ObjStart()
	e.FieldStart("variantId")
	e.Str(item.VariantID)
	e.FieldStart("productId")
	e.Str(item.ProductID)
	e.FieldStart("productTitle")
	e.Str(item.ProductTitle)
	e.FieldStart("variantTitle")
	e.Str(item.VariantTitle)
	encodeMoney(e, "unitPrice", item.UnitPrice)
	e.FieldStart("quantity")
	e.Int(item.Quantity)
	encodeStrings(e, "collectionIds", item.CollectionIDs)
	encodeStrings(e, "tags", item.Tags)

	e.FieldStart("properties")
	e.ArrStart()
	for _, p := range item.Properties {
		e.ObjStart()
		e.FieldStart("name")
		e.Str(p.Name)
		e.FieldStart("value")
		e.Str(p.Value)
		e.ObjEnd()
	}
	e.ArrEnd()

	encodeMoney(e, "lineSubtotal", line.LineSubtotal)
	encodeMoney(e, "lineDiscount", line.LineDiscount)
	encodeMoney(e, "lineTotalAfterDiscount", line.LineTotalAfterDiscount)

	e.FieldStart("discounts")
	e.ArrStart()
	for _, d := range line.Discounts {
		e.ObjStart()
		e.FieldStart("source")
		e.Str(string(d.Source))
		if d.RuleID != 0 {
			e.FieldStart("ruleId")
			e.Int64(d.RuleID)
		}
		encodeMoney(e, "amount", d.Amount)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.ObjEnd()
}

func encodeCodeCheck(e *jx.Encoder, c *pricing.CodeCheck) {
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(c.Valid)
	e.FieldStart("code")
	e.Str(c.Code)
	if c.Reason != "" {
		e.FieldStart("reason")
		e.Str(c.Reason)
	}
	if c.Type != "" {
		e.FieldStart("type")
		e.Str(string(c.Type))
	}
	encodeMoney(e, "amount", c.Amount)
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
