package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-provisioning/core"
)

func userSchema() core.AnyTypeSchema {
	return core.AnyTypeSchema{
		AnyType: core.AnyTypeUser,
		Attributes: []core.SchemaAttribute{
			{Name: "email", Type: core.SchemaString},
			{Name: "title", Type: core.SchemaString},
			{Name: "ctype", Type: core.SchemaString},
		},
		AuxClasses: map[string][]core.SchemaAttribute{
			"numeric": {{Name: "aLong", Type: core.SchemaLong, ConversionPattern: "000000"}},
		},
	}
}

func userProvision(items ...core.Item) core.Provision {
	return core.Provision{
		AnyType:     core.AnyTypeUser,
		ObjectClass: "__ACCOUNT__",
		AuxClasses:  []string{"numeric"},
		Mapping:     core.Mapping{Items: items},
	}
}

func keyItem() core.Item {
	return core.Item{IntAttrName: "name", ExtAttrName: "__NAME__", Purpose: core.PurposeBoth, IsKey: true}
}

func TestCompileRequiresExactlyOneKeyItem(t *testing.T) {
	_, err := Compile("ldap", userProvision(core.Item{IntAttrName: "email", ExtAttrName: "mail"}), userSchema())
	if !core.IsInvalidMapping(err) {
		t.Fatalf("expected invalid mapping for zero key items, got %v", err)
	}
	second := keyItem()
	second.IntAttrName = "email"
	second.ExtAttrName = "mail"
	_, err = Compile("ldap", userProvision(keyItem(), second), userSchema())
	if !core.IsInvalidMapping(err) {
		t.Fatalf("expected invalid mapping for two key items, got %v", err)
	}
}

func TestCompileResolvesPathsAgainstEffectiveSchema(t *testing.T) {
	_, err := Compile("ldap", userProvision(keyItem(), core.Item{IntAttrName: "unknown", ExtAttrName: "x"}), userSchema())
	if !core.IsInvalidMapping(err) {
		t.Fatalf("expected invalid mapping for unknown attribute, got %v", err)
	}

	provision := userProvision(keyItem(), core.Item{IntAttrName: "aLong", ExtAttrName: "aLong"})
	if _, err := Compile("ldap", provision, userSchema()); err != nil {
		t.Fatalf("expected aux class attribute to resolve: %v", err)
	}
	provision.AuxClasses = nil
	if _, err := Compile("ldap", provision, userSchema()); !core.IsInvalidMapping(err) {
		t.Fatalf("expected aux attribute without aux class to fail, got %v", err)
	}

	membership := userProvision(keyItem(), core.Item{IntAttrName: "memberships[root].title", ExtAttrName: "title"})
	if _, err := Compile("ldap", membership, userSchema()); err != nil {
		t.Fatalf("expected membership path to resolve: %v", err)
	}
	malformed := userProvision(keyItem(), core.Item{IntAttrName: "memberships[root]title", ExtAttrName: "title"})
	if _, err := Compile("ldap", malformed, userSchema()); !core.IsInvalidMapping(err) {
		t.Fatalf("expected malformed membership path to fail, got %v", err)
	}
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	bad := userProvision(keyItem(), core.Item{IntAttrName: "email", ExtAttrName: "mail", TransformerExpr: "value +"})
	if _, err := Compile("ldap", bad, userSchema()); !core.IsInvalidMapping(err) {
		t.Fatalf("expected invalid transformer to fail compilation, got %v", err)
	}
	bad = userProvision(keyItem(), core.Item{IntAttrName: "email", ExtAttrName: "mail", Transforms: []string{"rot13"}})
	if _, err := Compile("ldap", bad, userSchema()); !core.IsInvalidMapping(err) {
		t.Fatalf("expected unknown transform to fail compilation, got %v", err)
	}
}

func TestToConnectorAttributes(t *testing.T) {
	ctx := context.Background()
	compiled, err := Compile("ldap", userProvision(
		keyItem(),
		core.Item{IntAttrName: "email", ExtAttrName: "mail", Purpose: core.PurposePropagation, Transforms: []string{"uppercase"}},
		core.Item{IntAttrName: "ctype", ExtAttrName: "ctype", Purpose: core.PurposePull},
		core.Item{IntAttrName: "aLong", ExtAttrName: "aLong", Purpose: core.PurposeBoth},
		core.Item{IntAttrName: "memberships[root].title", ExtAttrName: "title", TransformerExpr: `value + " of root"`},
		core.Item{IntAttrName: "password", ExtAttrName: "", IsPassword: true, Purpose: core.PurposePropagation},
	), userSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	entity := core.Entity{
		Key:      "u1",
		AnyType:  core.AnyTypeUser,
		Name:     "rossini",
		Password: "s3cret",
		Attributes: map[string][]any{
			"email": {"rossini@example.org"},
			"ctype": {"pull only"},
			"aLong": {int64(5432)},
		},
		Memberships: []core.Membership{{GroupKey: "root", Attributes: map[string][]any{"title": {"boss"}}}},
	}
	attrs, err := ToConnectorAttributes(ctx, entity, compiled, core.DirectionPush)
	if err != nil {
		t.Fatalf("to connector attributes: %v", err)
	}
	if attrs["__NAME__"][0] != "rossini" {
		t.Fatalf("expected key attribute, got %#v", attrs)
	}
	if attrs["mail"][0] != "ROSSINI@EXAMPLE.ORG" {
		t.Fatalf("expected transformed mail, got %#v", attrs["mail"])
	}
	if _, ok := attrs["ctype"]; ok {
		t.Fatalf("pull only item must not be propagated")
	}
	if attrs["aLong"][0] != "005432" {
		t.Fatalf("expected conversion pattern output, got %#v", attrs["aLong"])
	}
	if attrs["title"][0] != "boss of root" {
		t.Fatalf("expected membership attribute with transformer, got %#v", attrs["title"])
	}
	if attrs[core.PasswordAttribute][0] != "s3cret" {
		t.Fatalf("expected password attribute")
	}
	if entity.Attributes["aLong"][0] != int64(5432) {
		t.Fatalf("stored value must stay canonical")
	}
}

func TestToConnectorAttributesMandatory(t *testing.T) {
	compiled, err := Compile("ldap", userProvision(
		keyItem(),
		core.Item{IntAttrName: "email", ExtAttrName: "mail", MandatoryCondition: `realm startsWith "/even"`},
	), userSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	entity := core.Entity{Key: "u1", Name: "rossini", Realm: "/even/two"}
	_, err = ToConnectorAttributes(context.Background(), entity, compiled, core.DirectionPush)
	var mappingErr *core.MappingError
	if !errors.As(err, &mappingErr) || mappingErr.Kind != core.MappingMandatory {
		t.Fatalf("expected mandatory mapping error, got %v", err)
	}

	entity.Realm = "/odd"
	if _, err := ToConnectorAttributes(context.Background(), entity, compiled, core.DirectionPush); err != nil {
		t.Fatalf("condition false must not require a value: %v", err)
	}
}

func TestToInternalTemplate(t *testing.T) {
	compiled, err := Compile("db", userProvision(
		core.Item{IntAttrName: "name", ExtAttrName: "username", IsKey: true, Purpose: core.PurposeBoth},
		core.Item{IntAttrName: "aLong", ExtAttrName: "aLong", Purpose: core.PurposeBoth},
		core.Item{IntAttrName: "email", ExtAttrName: "mail", Purpose: core.PurposePropagation},
	), userSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	object := core.ConnectorObject{
		ObjectClass: "__ACCOUNT__",
		Key:         "5432",
		Attributes: map[string][]any{
			"aLong":     {"5432"},
			"mail":      {"ignored@example.org"},
			"unmapped":  {"dropped"},
			"otherAttr": {1},
		},
	}
	entity, err := ToInternalTemplate(context.Background(), object, compiled)
	if err != nil {
		t.Fatalf("to internal template: %v", err)
	}
	if entity.Name != "5432" {
		t.Fatalf("expected key to fall back to object key, got %q", entity.Name)
	}
	if entity.Attributes["aLong"][0] != int64(5432) {
		t.Fatalf("expected canonical LONG 5432, got %#v", entity.Attributes["aLong"])
	}
	if _, ok := entity.Attributes["email"]; ok {
		t.Fatalf("propagation only item must not be pulled")
	}
	if _, ok := entity.Attributes["unmapped"]; ok {
		t.Fatalf("unmapped attributes must be dropped")
	}
	if len(entity.Attributes) != 1 {
		t.Fatalf("expected only aLong, got %#v", entity.Attributes)
	}

	object.Attributes["aLong"] = []any{"not a number"}
	if _, err := ToInternalTemplate(context.Background(), object, compiled); err == nil {
		t.Fatalf("expected type conversion error")
	}
}

func TestConnObjectKeyValue(t *testing.T) {
	compiled, err := Compile("ldap", userProvision(
		core.Item{IntAttrName: "name", ExtAttrName: "uid", IsKey: true, Transforms: []string{"lowercase"}},
	), userSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	key, ok, err := ConnObjectKeyValue(context.Background(), core.Entity{Name: "Rossini"}, compiled)
	if err != nil || !ok || key != "rossini" {
		t.Fatalf("expected rossini, got %q %v %v", key, ok, err)
	}
	_, ok, err = ConnObjectKeyValue(context.Background(), core.Entity{}, compiled)
	if err != nil || ok {
		t.Fatalf("expected no key for empty entity, got %v %v", ok, err)
	}
	if compiled.KeyAttribute() != "uid" {
		t.Fatalf("expected uid key attribute, got %q", compiled.KeyAttribute())
	}
}
