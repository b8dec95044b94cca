package publish

import (
	"context"
	"fmt"

	"adsync/pkg/ad"
	"adsync/resolve"
	"adsync/web"
)

// conditionLabels maps condition_s values to the condition dialog's radio labels.
var conditionLabels = map[string]string{
	"new_with_tag": "Neu mit Etikett",
	"new":          "Neu",
	"like_new":     "Sehr Gut",
	"alright":      "Gut",
	"ok":           "In Ordnung",
}

var (
	dialogDone     = web.XPath(`//*[contains(@class, "ModalDialog--Actions")]//button[.//*[text()[contains(.,"Fertig")]]]`)
	dialogConfirm  = web.XPath(`//*[contains(@class, "ModalDialog--Actions")]//button[.//*[text()[contains(.,"Bestätigen")]]]`)
	dialogNext     = web.XPath(`//*[contains(@class, "ModalDialog--Actions")]//*[contains(@class, "Button-primary") and .//*[text()[contains(.,"Weiter")]]]`)
	carrierButton  = web.CSS(`[class*="CarrierSelectionModal--Button"]`)
	shippingDialog = web.XPath(`//button[contains(@aria-label, "Dialog mit Optionen öffnen")]`)
)

func singleSelection(testID string) web.Selector {
	return web.CSS(fmt.Sprintf(`.SingleSelectionItem--Main input[type=radio][data-testid="%s"]`, testID))
}

func carrierOption(label string) web.Selector {
	return web.XPath(`//*[contains(@class, "CarrierSelectionModal")]//*[contains(@class, "CarrierOption")]` +
		fmt.Sprintf(`//*[contains(@class, "CarrierOption--Main") and @data-testid="%s"]`, label))
}

// setSpecialAttributes fills the category-dependent attribute fields in the
// order they appear in the ad file; later selects may depend on earlier ones.
func (p *Publisher) setSpecialAttributes(ctx context.Context, a *ad.Ad) error {
	if len(a.SpecialAttributes) == 0 {
		return nil
	}
	s := p.session
	keys := a.AttributeKeys()
	p.logger.Debug("Setting special attributes", "count", len(keys))

	for _, key := range keys {
		value := a.SpecialAttributes[key]
		if key == "condition_s" {
			if err := p.setCondition(ctx, value); err != nil {
				return err
			}
			continue
		}

		p.logger.Debug("Setting special attribute", "key", key, "value", value)

		// A select may sit in a hidden row; make the row visible first.
		container := web.XPath(fmt.Sprintf("//div[@class='l-row' and descendant::select[@id='%s']]", key))
		shown, found, err := web.Probe(web.Check(ctx, s, container, web.Displayed, 0))
		if err != nil {
			return fmt.Errorf("set special attribute %s: %w", key, err)
		}
		if found && !shown {
			script := fmt.Sprintf(`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue.style.display = 'block'`, container.Value)
			if err := s.Execute(ctx, script, nil); err != nil {
				return fmt.Errorf("show special attribute %s: %w", key, err)
			}
		}

		// Matched by name: ids are sometimes composed, e.g. autos.marke_s+autos.model_s.
		el, err := s.Find(ctx, web.XPath(fmt.Sprintf("//*[contains(@name, '%s')]", key)), 0)
		if err != nil {
			return fmt.Errorf("set special attribute %s (not found): %w", key, err)
		}
		id, _ := el.Attr("id")
		field := web.ID(id)

		switch typ, _ := el.Attr("type"); {
		case el.Tag == "select":
			err = s.Select(ctx, field, value, 0)
		case typ == "checkbox":
			err = s.Click(ctx, field, 0)
		default:
			err = s.Input(ctx, field, value, 0)
		}
		if err != nil {
			return fmt.Errorf("set special attribute %s: %w", key, err)
		}
		p.logger.Debug("Special attribute set", "key", key, "value", value)
	}
	return nil
}

// setCondition uses the condition dialog. Only failing to close the dialog is an error.
func (p *Publisher) setCondition(ctx context.Context, value string) error {
	s := p.session
	if err := s.Click(ctx, web.CSS(`[class*="ConditionSelector"] button`), 0); err != nil {
		if web.IsTimeout(err) {
			p.logger.Debug("Condition dialog not available", "condition", value)
			return nil
		}
		return fmt.Errorf("open condition dialog: %w", err)
	}
	if err := web.Skip(s.Click(ctx, singleSelection(conditionLabels[value]), 0)); err != nil {
		return fmt.Errorf("select condition %s: %w", value, err)
	}
	if err := s.Click(ctx, dialogConfirm, 0); err != nil {
		return fmt.Errorf("close condition dialog: %w", err)
	}
	return nil
}

func (p *Publisher) setShipping(ctx context.Context, a *ad.Ad) error {
	s := p.session
	switch {
	case a.Type == ad.TypeWanted:
		// Shipping is a special attribute for WANTED ads.
		if a.ShippingType != ad.ShippingPickup && a.ShippingType != ad.ShippingShipping {
			return nil
		}
		value := "nein"
		if a.ShippingType == ad.ShippingShipping {
			value = "ja"
		}
		if err := s.Select(ctx, web.XPath("//select[contains(@id, '.versand_s')]"), value, 0); err != nil {
			if !web.IsTimeout(err) {
				return fmt.Errorf("set shipping: %w", err)
			}
			p.logger.Warn("Failed to set shipping attribute", "shipping_type", a.ShippingType, "title", a.Title)
		}
		return nil

	case a.ShippingType == ad.ShippingPickup:
		radio := web.XPath(`//*[contains(@class, "ShippingPickupSelector")]//label[text()[contains(.,"Nur Abholung")]]/../input[@type="radio"]`)
		return p.optional("set pickup", s.Click(ctx, radio, 0))

	case len(a.ShippingOptions) > 0:
		plan, err := resolve.PlanShipping(a.ShippingOptions)
		if err != nil {
			return err
		}
		if err := s.Click(ctx, shippingDialog, 0); err != nil {
			return fmt.Errorf("open shipping dialog: %w", err)
		}
		if err := s.Click(ctx, carrierButton, 0); err != nil {
			return fmt.Errorf("open carrier selection: %w", err)
		}
		return p.setShippingOptions(ctx, plan)

	default:
		return p.optional("set individual shipping", p.setIndividualShipping(ctx, a))
	}
}

func (p *Publisher) setIndividualShipping(ctx context.Context, a *ad.Ad) error {
	s := p.session
	for _, sel := range []web.Selector{web.CSS(`[class*="jsx-2623555103"]`), carrierButton, web.CSS(`[class*="CarrierOption--Main"]`)} {
		if err := s.Click(ctx, sel, 0); err != nil {
			return err
		}
	}
	if a.ShippingCosts != "" {
		costs, err := resolve.ParseDecimal(string(a.ShippingCosts))
		if err != nil {
			return &ad.ValidationError{Field: "shipping_costs", Reason: err.Error()}
		}
		if err := s.Input(ctx, web.CSS(`.IndividualShippingInput input[type="text"]`), costs.Comma(), 0); err != nil {
			return err
		}
	}
	return s.Click(ctx, dialogDone, 0)
}

// setShippingOptions selects the carriers of one package size. When that size
// is already active, the dialog preselects all of its carriers, so the unwanted
// ones are clicked off instead.
func (p *Publisher) setShippingOptions(ctx context.Context, plan resolve.ShippingPlan) error {
	s := p.session
	radio, err := s.Find(ctx, singleSelection(plan.Size), 0)
	if err != nil {
		return p.optional("select package size", err)
	}
	_, checked := radio.Attr("checked")

	toClick := plan.Wanted
	if checked || radio.Selected {
		if err := s.Click(ctx, dialogNext, 0); err != nil {
			return p.optional("confirm package size", err)
		}
		toClick = plan.Unwanted
	} else if err := s.Click(ctx, singleSelection(plan.Size), 0); err != nil {
		return p.optional("select package size", err)
	}

	for _, label := range toClick {
		if err := p.optional("toggle carrier "+label, s.Click(ctx, carrierOption(label), 0)); err != nil {
			return err
		}
	}
	return p.optional("close shipping dialog", s.Click(ctx, dialogDone, 0))
}

// optional logs and drops a timeout on an optional form step.
func (p *Publisher) optional(step string, err error) error {
	if err == nil {
		return nil
	}
	if web.IsTimeout(err) {
		p.logger.Debug("Optional form step skipped", "step", step, "error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}
