package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/models"
)

func TestDecodeDefaults(t *testing.T) {
	md, err := NewNormalizer().Decode(nil)
	require.NoError(t, err)

	assert.Equal(t, "", md.Title)
	assert.Nil(t, md.Location)
	assert.Empty(t, md.Categories)
	assert.Empty(t, md.Tags)
	assert.Equal(t, 1.0, md.Scale)
	assert.Equal(t, models.LicenseCC0, md.License)
	assert.Equal(t, models.Vector3{}, md.Translation)
	for _, f := range []Field{FieldTitle, FieldLocation, FieldCategories, FieldTags, FieldTranslation, FieldScale, FieldLicense, FieldBuildingID} {
		assert.False(t, md.Provided(f), f)
	}
}

func TestDecodeFull(t *testing.T) {
	payload := `{
		"title": "  Library  ",
		"description": "**main** building",
		"latitude": 48.26,
		"longitude": 11.67,
		"categories": "campus, library,campus",
		"tags": {"osm": "way/1"},
		"origin": [1, 2, 3],
		"rotation": 90,
		"scale": 2.5,
		"license": 1,
		"building_id": "way/42",
		"unknown": "ignored"
	}`
	md, err := NewNormalizer().Decode([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "Library", md.Title)
	assert.Equal(t, "**main** building", md.Description)
	require.NotNil(t, md.Location)
	assert.Equal(t, 48.26, md.Location.Latitude)
	assert.Equal(t, 11.67, md.Location.Longitude)
	assert.Equal(t, []string{"campus", "library"}, md.Categories)
	assert.Equal(t, map[string]string{"osm": "way/1"}, md.Tags)
	assert.Equal(t, models.Vector3{1, 2, 3}, md.Translation)
	assert.Equal(t, 90.0, md.Rotation)
	assert.Equal(t, 2.5, md.Scale)
	assert.Equal(t, models.LicenseCCBY, md.License)
	assert.Equal(t, "way/42", md.BuildingID)
	assert.True(t, md.Provided(FieldTitle))
	assert.True(t, md.Provided(FieldLocation))
	assert.True(t, md.Provided(FieldTranslation))
	assert.True(t, md.Provided(FieldBuildingID))
}

func TestTranslationWinsOverOrigin(t *testing.T) {
	md, err := NewNormalizer().Decode([]byte(`{"origin":[1,1,1],"translation":[4,5,6]}`))
	require.NoError(t, err)
	assert.Equal(t, models.Vector3{4, 5, 6}, md.Translation)
}

func TestCategoryList(t *testing.T) {
	md, err := NewNormalizer().Decode([]byte(`{"categories":["a"," b ","", "a"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, md.Categories)
	assert.True(t, md.Provided(FieldCategories))
}

func TestBuildingIDFromTags(t *testing.T) {
	md, err := NewNormalizer().Decode([]byte(`{"tags":{"building_id":"relation/7"}}`))
	require.NoError(t, err)
	assert.Equal(t, "relation/7", md.BuildingID)
	assert.True(t, md.Provided(FieldBuildingID))
}

func TestLicenseZeroIsProvided(t *testing.T) {
	md, err := NewNormalizer().Decode([]byte(`{"license":0}`))
	require.NoError(t, err)
	assert.Equal(t, models.LicenseCC0, md.License)
	assert.True(t, md.Provided(FieldLicense))
}

func TestExplicitClears(t *testing.T) {
	md, err := NewNormalizer().Decode([]byte(`{"title":"","description":"","tags":{},"latitude":null,"longitude":null}`))
	require.NoError(t, err)
	for _, f := range []Field{FieldTitle, FieldDescription, FieldTags, FieldLocation} {
		assert.True(t, md.Provided(f), f)
	}
	assert.Equal(t, "", md.Title)
	assert.Empty(t, md.Tags)
	assert.Nil(t, md.Location)

	md, err = NewNormalizer().Decode([]byte(`{"tags":null,"latitude":null}`))
	require.NoError(t, err)
	assert.False(t, md.Provided(FieldTags))
	assert.False(t, md.Provided(FieldLocation))

	_, err = NewNormalizer().Decode([]byte(`{"latitude":null,"longitude":3}`))
	assert.True(t, models.ErrValidationFailed.Has(err))
}

func TestDecodeRejects(t *testing.T) {
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'x'
	}
	cases := map[string]string{
		"malformed json":    `{"title":`,
		"wrong type":        `{"title": 5}`,
		"latitude range":    `{"latitude": 91, "longitude": 0}`,
		"longitude range":   `{"latitude": 0, "longitude": -181}`,
		"latitude only":     `{"latitude": 10}`,
		"longitude only":    `{"longitude": 10}`,
		"short translation": `{"translation": [1, 2]}`,
		"long origin":       `{"origin": [1, 2, 3, 4]}`,
		"zero scale":        `{"scale": 0}`,
		"negative scale":    `{"scale": -1}`,
		"unknown license":   `{"license": 7}`,
		"long title":        `{"title": "` + string(long) + `"}`,
		"empty tag key":     `{"tags": {"": "x"}}`,
	}
	n := NewNormalizer()
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Decode([]byte(payload))
			require.Error(t, err)
			assert.True(t, models.ErrValidationFailed.Has(err), err.Error())
		})
	}
}
