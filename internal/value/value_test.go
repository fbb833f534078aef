package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessors_WrongVariant_TypeMismatch(t *testing.T) {
	v := NewString("hello")

	_, err := v.AsInteger()
	require.Error(t, err)
	var tm *TypeMismatchError
	assert.ErrorAs(t, err, &tm)
	assert.Equal(t, KindInteger, tm.Want)
	assert.Equal(t, KindString, tm.Have)

	_, err = v.AsList()
	require.Error(t, err)

	_, err = v.AsBinary()
	require.Error(t, err)
}

func TestAccessors_CorrectVariant(t *testing.T) {
	s, err := NewString("hello").AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	n, err := NewInteger(42).AsInteger()
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	l, err := NewList([]string{"a", "b"}).AsList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, l)

	b, err := NewBinary([]byte{1, 2, 3}).AsBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestListAccessor_ReturnsDefensiveCopy(t *testing.T) {
	v := NewList([]string{"a", "b"})

	l1, _ := v.AsList()
	l1[0] = "mutated"

	l2, _ := v.AsList()
	assert.Equal(t, "a", l2[0], "mutating a returned list must not affect the Value")
}

func TestBinaryAccessor_ReturnsDefensiveCopy(t *testing.T) {
	v := NewBinary([]byte{1, 2, 3})

	b1, _ := v.AsBinary()
	b1[0] = 99

	b2, _ := v.AsBinary()
	assert.EqualValues(t, 1, b2[0])
}

func TestByteCost_GrowsWithContentLength(t *testing.T) {
	small := NewString("x")
	large := NewString("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	assert.Greater(t, large.ByteCost(), small.ByteCost())

	assert.Equal(t, NewInteger(1).ByteCost(), NewInteger(999999).ByteCost(),
		"integer cost must be constant regardless of magnitude")
}

func TestEqual_StructuralAcrossVariants(t *testing.T) {
	assert.True(t, NewString("a").Equal(NewString("a")))
	assert.False(t, NewString("a").Equal(NewString("b")))
	assert.False(t, NewString("1").Equal(NewInteger(1)), "different Kind is never equal")
	assert.True(t, NewList([]string{"a"}).Equal(NewList([]string{"a"})))
	assert.True(t, NewBinary([]byte{1}).Equal(NewBinary([]byte{1})))
}
